// Package keystore persists the device's key pairs in a local bbolt file.
//
// The file is opened, used and closed on every call. Nothing holds the
// database open between calls, so a failed call cannot leak a handle and
// other processes on the device can take the file lock in between.
package keystore

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/pliu/sealedchat/internal/crypto"
)

const (
	metadataBucket = "metadata"
	keysBucket     = "keypairs"

	versionKey  = "version"
	deviceIDKey = "device_id"

	schemaVersion = 0
	recordVersion = 1

	defaultOpenTimeout = time.Second
)

var (
	// ErrKeyPairExists is returned by Put when the user already has a key
	// pair on this device. Key pairs are never replaced in place.
	ErrKeyPairExists = errors.New("keystore: key pair already exists")

	ErrIncompatibleVersion = errors.New("keystore: incompatible version")
)

// StorageError reports that the vault could not be opened, read or written.
// A session that sees one cannot guarantee confidentiality of inbound
// messages.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("keystore: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

type record struct {
	Version   uint8  `cbor:"1,keyasint"`
	DeviceID  string `cbor:"2,keyasint"`
	Secret    []byte `cbor:"3,keyasint"`
	CreatedAt int64  `cbor:"4,keyasint"`
}

type Option func(*KeyStore)

// WithOpenTimeout bounds how long a call waits for the file lock.
func WithOpenTimeout(d time.Duration) Option {
	return func(s *KeyStore) {
		s.openTimeout = d
	}
}

type KeyStore struct {
	path        string
	openTimeout time.Duration

	mu    sync.Mutex
	locks map[int]*sync.Mutex

	now func() time.Time
}

// New returns a KeyStore backed by the bbolt file at path. The file is
// created on first use.
func New(path string, opts ...Option) *KeyStore {
	s := &KeyStore{
		path:        path,
		openTimeout: defaultOpenTimeout,
		locks:       make(map[int]*sync.Mutex),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the vault file location.
func (s *KeyStore) Path() string {
	return s.path
}

// Get returns the stored key pair for userID. The boolean is false when the
// user has never generated one on this device.
func (s *KeyStore) Get(userID int) (*crypto.KeyPair, bool, error) {
	var kp *crypto.KeyPair
	err := s.withDB("get", func(db *bolt.DB) error {
		return db.View(func(tx *bolt.Tx) error {
			raw := tx.Bucket([]byte(keysBucket)).Get(userKey(userID))
			if raw == nil {
				return nil
			}

			var rec record
			if err := cbor.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			if rec.Version != recordVersion {
				return fmt.Errorf("%w: record %d", ErrIncompatibleVersion, rec.Version)
			}

			var err error
			kp, err = crypto.UnmarshalKeyPair(rec.Secret)
			return err
		})
	})
	if err != nil {
		return nil, false, err
	}
	return kp, kp != nil, nil
}

// Put durably stores kp for userID. Writes for the same user are
// serialized, and an existing key pair is never overwritten.
func (s *KeyStore) Put(userID int, kp *crypto.KeyPair) error {
	if kp == nil {
		return &StorageError{Op: "put", Err: errors.New("nil key pair")}
	}
	secret, err := kp.MarshalBinary()
	if err != nil {
		return &StorageError{Op: "put", Err: err}
	}

	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	return s.withDB("put", func(db *bolt.DB) error {
		return db.Update(func(tx *bolt.Tx) error {
			deviceID := tx.Bucket([]byte(metadataBucket)).Get([]byte(deviceIDKey))

			bkt := tx.Bucket([]byte(keysBucket))
			k := userKey(userID)
			if bkt.Get(k) != nil {
				return ErrKeyPairExists
			}

			b, err := cbor.Marshal(&record{
				Version:   recordVersion,
				DeviceID:  string(deviceID),
				Secret:    secret,
				CreatedAt: s.now().Unix(),
			})
			if err != nil {
				return err
			}
			return bkt.Put(k, b)
		})
	})
}

// Delete wipes the user's key pair from this device. Deleting a missing
// entry is not an error.
func (s *KeyStore) Delete(userID int) error {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	return s.withDB("delete", func(db *bolt.DB) error {
		return db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(keysBucket)).Delete(userKey(userID))
		})
	})
}

// DeviceID returns the identifier generated when the vault was created.
func (s *KeyStore) DeviceID() (string, error) {
	var id string
	err := s.withDB("device id", func(db *bolt.DB) error {
		return db.View(func(tx *bolt.Tx) error {
			id = string(tx.Bucket([]byte(metadataBucket)).Get([]byte(deviceIDKey)))
			return nil
		})
	})
	return id, err
}

func (s *KeyStore) withDB(op string, fn func(*bolt.DB) error) error {
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: s.openTimeout})
	if err != nil {
		return &StorageError{Op: op, Err: err}
	}
	defer db.Close()

	if err := initDB(db); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	if err := fn(db); err != nil {
		if errors.Is(err, ErrKeyPairExists) {
			return err
		}
		return &StorageError{Op: op, Err: err}
	}
	return nil
}

func initDB(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(keysBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != schemaVersion {
				return fmt.Errorf("%w: schema %v", ErrIncompatibleVersion, b)
			}
			return nil
		}

		// Fresh vault.
		if err := bkt.Put([]byte(versionKey), []byte{schemaVersion}); err != nil {
			return err
		}
		return bkt.Put([]byte(deviceIDKey), []byte(uuid.NewString()))
	})
}

func (s *KeyStore) userLock(userID int) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[userID]
	if !ok {
		l = new(sync.Mutex)
		s.locks[userID] = l
	}
	return l
}

func userKey(userID int) []byte {
	return []byte(strconv.Itoa(userID))
}
