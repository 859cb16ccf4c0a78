package keys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nats-io/nkeys"
)

const keysTestPrefix = "keys:keys_test"

func TestGenerateAndLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	if err := Generate(nil, dir); err != nil {
		t.Fatalf("%s - Generate failed: %v", keysTestPrefix, err)
	}

	for _, name := range []string{Frontend, Backend} {
		kp, err := Load(dir, name)
		if err != nil {
			t.Fatalf("%s - Load(%s) failed: %v", keysTestPrefix, name, err)
		}
		pub, err := kp.PublicKey()
		if err != nil || !nkeys.IsValidPublicCurveKey(pub) {
			t.Errorf("%s - %s public key %q invalid: %v", keysTestPrefix, name, pub, err)
		}
		info, err := os.Stat(Path(dir, name))
		if err != nil {
			t.Fatalf("%s - stat: %v", keysTestPrefix, err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("%s - %s seed mode = %v, want 0600", keysTestPrefix, name, info.Mode().Perm())
		}
	}
}

func TestLoadOrGenerate_ReusesKeys(t *testing.T) {
	dir := t.TempDir()
	if err := LoadOrGenerate(nil, dir); err != nil {
		t.Fatalf("%s - first LoadOrGenerate failed: %v", keysTestPrefix, err)
	}
	first, err := PublicKey(dir, Backend)
	if err != nil {
		t.Fatalf("%s - PublicKey: %v", keysTestPrefix, err)
	}

	if err := LoadOrGenerate(nil, dir); err != nil {
		t.Fatalf("%s - second LoadOrGenerate failed: %v", keysTestPrefix, err)
	}
	second, err := PublicKey(dir, Backend)
	if err != nil {
		t.Fatalf("%s - PublicKey: %v", keysTestPrefix, err)
	}
	if first != second {
		t.Errorf("%s - key changed across runs: %s != %s", keysTestPrefix, first, second)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir, Frontend); err == nil {
		t.Errorf("%s - expected error for missing seed", keysTestPrefix)
	}
	if err := os.WriteFile(Path(dir, Frontend), []byte("garbage"), 0o600); err != nil {
		t.Fatalf("%s - write: %v", keysTestPrefix, err)
	}
	if _, err := Load(dir, Frontend); err == nil {
		t.Errorf("%s - expected error for invalid seed", keysTestPrefix)
	}
	if err := LoadOrGenerate(nil, dir); err != nil {
		t.Fatalf("%s - LoadOrGenerate should regenerate when a seed is missing: %v", keysTestPrefix, err)
	}
}
