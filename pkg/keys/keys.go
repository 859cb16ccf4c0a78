// Package keys manages the curve key material that seals both bridge channels.
package keys

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nats-io/nkeys"
)

const logPrefix = "keys:keys"

// Key pair names. The backend owns the call channel, the frontend owns the event channel.
const (
	Frontend = "frontend"
	Backend  = "backend"
)

const seedExt = ".xk"

// Path returns the seed file path for a key pair name.
func Path(dir, name string) string {
	return filepath.Join(dir, name+seedExt)
}

// Generate recreates dir and writes fresh frontend and backend curve seeds.
func Generate(log *slog.Logger, dir string) error {
	if log == nil {
		log = slog.Default()
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%s - failed to clear %s: %w", logPrefix, dir, err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%s - failed to create %s: %w", logPrefix, dir, err)
	}
	for _, name := range []string{Frontend, Backend} {
		kp, err := nkeys.CreateCurveKeys()
		if err != nil {
			return fmt.Errorf("%s - failed to create %s keys: %w", logPrefix, name, err)
		}
		seed, err := kp.Seed()
		if err != nil {
			return fmt.Errorf("%s - failed to read %s seed: %w", logPrefix, name, err)
		}
		if err := os.WriteFile(Path(dir, name), seed, 0o600); err != nil {
			return fmt.Errorf("%s - failed to write %s seed: %w", logPrefix, name, err)
		}
		pub, _ := kp.PublicKey()
		log.Info(fmt.Sprintf("%s - Generated %s key %s", logPrefix, name, pub))
	}
	return nil
}

// Load reads the named key pair from dir.
func Load(dir, name string) (nkeys.KeyPair, error) {
	data, err := os.ReadFile(Path(dir, name))
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read %s key: %w", logPrefix, name, err)
	}
	kp, err := nkeys.FromCurveSeed(bytes.TrimSpace(data))
	if err != nil {
		return nil, fmt.Errorf("%s - invalid %s seed: %w", logPrefix, name, err)
	}
	return kp, nil
}

// PublicKey returns the public curve key of the named key pair.
func PublicKey(dir, name string) (string, error) {
	kp, err := Load(dir, name)
	if err != nil {
		return "", err
	}
	return kp.PublicKey()
}

// LoadOrGenerate makes sure both key pairs exist in dir, generating them once
// and reusing them on later runs.
func LoadOrGenerate(log *slog.Logger, dir string) error {
	missing := false
	for _, name := range []string{Frontend, Backend} {
		if _, err := os.Stat(Path(dir, name)); errors.Is(err, os.ErrNotExist) {
			missing = true
		} else if err != nil {
			return fmt.Errorf("%s - failed to stat %s key: %w", logPrefix, name, err)
		}
	}
	if !missing {
		for _, name := range []string{Frontend, Backend} {
			if _, err := Load(dir, name); err != nil {
				return err
			}
		}
		return nil
	}
	return Generate(log, dir)
}
