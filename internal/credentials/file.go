package credentials

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProvisioningFile is the YAML layout of a device provisioning file:
//
//	devices:
//	  - id: ESP8266_001
//	    secret: secret_key_001
//	  - id: ESP8266_002
//	    secret_hash: $2a$10$...
type ProvisioningFile struct {
	Devices []ProvisionedDevice `yaml:"devices"`
}

// ProvisionedDevice is one entry in a provisioning file. Exactly one of
// Secret and SecretHash should be set; SecretHash wins if both are.
type ProvisionedDevice struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name,omitempty"`
	Secret     string `yaml:"secret,omitempty"`
	SecretHash string `yaml:"secret_hash,omitempty"`
}

// FileStore serves credentials loaded once from a YAML provisioning file.
type FileStore struct {
	path  string
	store *StaticStore
}

// LoadFileStore reads and validates a provisioning file.
func LoadFileStore(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provisioning file: %w", err)
	}

	var pf ProvisioningFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse provisioning file %s: %w", path, err)
	}

	secrets := make(map[string]string, len(pf.Devices))
	for i, d := range pf.Devices {
		if d.ID == "" {
			return nil, fmt.Errorf("provisioning file %s: entry %d has no id", path, i)
		}
		if _, dup := secrets[d.ID]; dup {
			return nil, fmt.Errorf("provisioning file %s: duplicate device %s", path, d.ID)
		}
		secret := d.SecretHash
		if secret == "" {
			secret = d.Secret
		}
		if secret == "" {
			return nil, fmt.Errorf("provisioning file %s: device %s has no secret", path, d.ID)
		}
		secrets[d.ID] = secret
	}

	return &FileStore{path: path, store: &StaticStore{secrets: secrets}}, nil
}

// Verify implements Store.
func (f *FileStore) Verify(ctx context.Context, deviceID, secret string) error {
	return f.store.Verify(ctx, deviceID, secret)
}

// Len returns the number of provisioned devices.
func (f *FileStore) Len() int {
	return f.store.Len()
}

// Path returns the file the store was loaded from.
func (f *FileStore) Path() string {
	return f.path
}
