package crypto

import "io"

// SetRandReaderForTesting replaces the entropy source and returns a
// function restoring the previous one.
func SetRandReaderForTesting(r io.Reader) func() {
	original := randReader
	randReader = r
	return func() { randReader = original }
}
