// Package credentials provides the device credential store consulted by the
// relay's auth gate.
//
// Devices are provisioned ahead of time with an identity and a shared secret.
// Three backends are available and can be chained:
//   - StaticStore: secrets listed inline in the relay config file
//   - FileStore: a YAML provisioning file, plain or bcrypt-hashed secrets
//   - SQLiteStore: a provisioning database managed by `relay devices`
//
// Stores are read-only from the relay's point of view and safe for
// concurrent use.
package credentials

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnknownDevice is returned when no secret is provisioned for a device.
var ErrUnknownDevice = errors.New("unknown device")

// ErrSecretMismatch is returned when the presented secret is wrong.
var ErrSecretMismatch = errors.New("secret mismatch")

// Store verifies device credentials.
type Store interface {
	// Verify returns nil if secret is the provisioned secret for deviceID,
	// ErrUnknownDevice if the device is not provisioned in this store, or
	// ErrSecretMismatch if it is provisioned with a different secret.
	// Other errors mean the store could not be consulted.
	Verify(ctx context.Context, deviceID, secret string) error
}

// HashSecret returns a bcrypt hash of secret suitable for provisioning files
// and the SQLite store.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// matchSecret compares a presented secret with a provisioned one, which may
// be either plain text or a bcrypt hash. Only a string that parses as a
// complete bcrypt hash is treated as one.
func matchSecret(provisioned, presented string) bool {
	if _, err := bcrypt.Cost([]byte(provisioned)); err == nil {
		return bcrypt.CompareHashAndPassword([]byte(provisioned), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(provisioned), []byte(presented)) == 1
}

// StaticStore is an in-memory map from device id to secret.
type StaticStore struct {
	secrets map[string]string
}

// NewStaticStore copies secrets into a new StaticStore.
func NewStaticStore(secrets map[string]string) *StaticStore {
	copied := make(map[string]string, len(secrets))
	for id, secret := range secrets {
		copied[id] = secret
	}
	return &StaticStore{secrets: copied}
}

// Verify implements Store.
func (s *StaticStore) Verify(_ context.Context, deviceID, secret string) error {
	provisioned, ok := s.secrets[deviceID]
	if !ok {
		return ErrUnknownDevice
	}
	if !matchSecret(provisioned, secret) {
		return ErrSecretMismatch
	}
	return nil
}

// Len returns the number of provisioned devices.
func (s *StaticStore) Len() int {
	return len(s.secrets)
}

// Chain consults stores in order. The first store that knows the device
// decides; stores that report ErrUnknownDevice are skipped.
type Chain []Store

// Verify implements Store.
func (c Chain) Verify(ctx context.Context, deviceID, secret string) error {
	for _, s := range c {
		err := s.Verify(ctx, deviceID, secret)
		if errors.Is(err, ErrUnknownDevice) {
			continue
		}
		return err
	}
	return ErrUnknownDevice
}
