package credentials

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gluk-w/claworc/nodelink/internal/database"
	"github.com/gluk-w/claworc/nodelink/internal/sshsetup"
)

func TestEncryptDecrypt(t *testing.T) {
	database.UseInMemoryForTest(t)

	tok, err := Encrypt([]byte("hunter2"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if tok == "hunter2" {
		t.Fatal("token equals plaintext")
	}
	got, err := Decrypt(tok)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != "hunter2" {
		t.Errorf("Decrypt = %q, want hunter2", got)
	}

	key, err := database.GetSetting(fernetKeySetting)
	if err != nil || key == "" {
		t.Errorf("fernet key not persisted: %q, %v", key, err)
	}
}

func TestDecryptRejectsForeignToken(t *testing.T) {
	database.UseInMemoryForTest(t)
	if _, err := Decrypt("not-a-token"); err == nil {
		t.Error("Decrypt accepted garbage")
	}
	if got, err := Decrypt(""); err != nil || got != nil {
		t.Errorf("Decrypt(\"\") = %q, %v", got, err)
	}
}

func TestMask(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"abc", "****"},
		{"secretvalue", "****alue"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPassphraseStore(t *testing.T) {
	database.UseInMemoryForTest(t)
	var store PassphraseStore

	if _, err := store.Passphrase("a"); !errors.Is(err, sshsetup.ErrNoPassphrase) {
		t.Errorf("Passphrase(missing) error = %v, want ErrNoPassphrase", err)
	}
	if err := store.StorePassphrase("a", []byte("correct horse")); err != nil {
		t.Fatalf("StorePassphrase: %v", err)
	}

	raw, err := database.GetSecret(passphrasePrefix + "a")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains([]byte(raw), []byte("horse")) {
		t.Error("passphrase stored in clear text")
	}

	got, err := store.Passphrase("a")
	if err != nil || string(got) != "correct horse" {
		t.Errorf("Passphrase = %q, %v", got, err)
	}
	if err := store.DeletePassphrase("a"); err != nil {
		t.Fatalf("DeletePassphrase: %v", err)
	}
	if err := store.DeletePassphrase("a"); !errors.Is(err, sshsetup.ErrNoPassphrase) {
		t.Errorf("second DeletePassphrase error = %v, want ErrNoPassphrase", err)
	}
}
