package sshkeys

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestGenerateKeyPair(t *testing.T) {
	pubKey, privKey, err := GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	parsed, _, _, _, err := ssh.ParseAuthorizedKey(pubKey)
	if err != nil {
		t.Fatalf("public key is not valid authorized_keys format: %v", err)
	}
	if parsed.Type() != "ssh-ed25519" {
		t.Errorf("expected key type ssh-ed25519, got %s", parsed.Type())
	}

	if block, _ := pem.Decode(privKey); block == nil {
		t.Fatal("private key is not valid PEM")
	}
	signer, err := ssh.ParsePrivateKey(privKey)
	if err != nil {
		t.Fatalf("private key cannot be parsed: %v", err)
	}
	if string(ssh.MarshalAuthorizedKey(signer.PublicKey())) != string(pubKey) {
		t.Error("private key does not match public key")
	}
}

func TestGenerateKeyPairUniqueness(t *testing.T) {
	pub1, _, err := GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("first GenerateKeyPair() error: %v", err)
	}
	pub2, _, err := GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("second GenerateKeyPair() error: %v", err)
	}
	if string(pub1) == string(pub2) {
		t.Error("two generated key pairs are identical")
	}
}

func TestSaveAndLoadSigner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys", "id_ed25519")
	pub, priv, err := GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	if err := SaveKeyPair(path, priv, pub); err != nil {
		t.Fatalf("SaveKeyPair() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("private key permissions = %o, want 600", perm)
	}
	if _, err := os.Stat(path + ".pub"); err != nil {
		t.Errorf("public key not written: %v", err)
	}

	signer, err := LoadSigner(path, nil)
	if err != nil {
		t.Fatalf("LoadSigner() error: %v", err)
	}
	if string(ssh.MarshalAuthorizedKey(signer.PublicKey())) != string(pub) {
		t.Error("loaded signer does not match saved public key")
	}
}

func TestLoadSignerPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_ed25519")
	pub, priv, err := GenerateKeyPair([]byte("secret"))
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	if err := SaveKeyPair(path, priv, pub); err != nil {
		t.Fatalf("SaveKeyPair() error: %v", err)
	}

	_, err = LoadSigner(path, nil)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		t.Errorf("LoadSigner() without passphrase error = %v, want *ssh.PassphraseMissingError", err)
	}

	_, err = LoadSigner(path, []byte("wrong"))
	if !errors.Is(err, x509.IncorrectPasswordError) {
		t.Errorf("LoadSigner() with wrong passphrase error = %v, want x509.IncorrectPasswordError", err)
	}

	if _, err := LoadSigner(path, []byte("secret")); err != nil {
		t.Errorf("LoadSigner() with passphrase error: %v", err)
	}
}

func TestLoadSignerErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadSigner(filepath.Join(dir, "missing"), nil); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file error = %v, want os.ErrNotExist", err)
	}

	bad := filepath.Join(dir, "bad")
	if err := os.WriteFile(bad, []byte("not a key"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSigner(bad, nil); err == nil {
		t.Error("expected error for invalid key file")
	}
}

func TestSaveKeyPairEmptyPath(t *testing.T) {
	if err := SaveKeyPair("", nil, nil); err == nil {
		t.Error("expected error for empty path")
	}
}
