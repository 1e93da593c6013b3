package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pliu/sealedchat/internal/config"
)

type globalFlags struct {
	configFile string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   "sealedchat",
		Short: "End-to-end encrypted direct messaging",
		Long: `sealedchat is a direct messaging relay and client. Messages are
encrypted on the sending device to the recipient's published ML-KEM-768 key;
the relay only stores ciphertext. Messages to users without a published key
are sent as explicitly marked plaintext.`,
		Example: `  # Run the relay
  sealedchat serve --config sealedchat.toml

  # Create an account and log in
  sealedchat signup alice --password hunter2
  sealedchat login alice --password hunter2

  # Generate and publish this device's key
  sealedchat keygen

  # Talk to bob
  sealedchat send bob "hello"
  sealedchat read bob
  sealedchat watch bob`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configFile, "config", "f", "",
		"path to the configuration file (TOML format)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "",
		"override the configured log level")

	cmd.AddCommand(
		newServeCommand(&flags),
		newSignupCommand(&flags),
		newLoginCommand(&flags),
		newKeygenCommand(&flags),
		newWipeCommand(&flags),
		newSendCommand(&flags),
		newConversationsCommand(&flags),
		newReadCommand(&flags),
		newWatchCommand(&flags),
	)
	return cmd
}

func (f *globalFlags) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.configFile == "" {
		cfg = config.Default()
	} else if cfg, err = config.LoadFile(f.configFile); err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", f.configFile, err)
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
