package credentials

import (
	"errors"
	"fmt"

	"github.com/gluk-w/claworc/nodelink/internal/database"
	"github.com/gluk-w/claworc/nodelink/internal/sshsetup"
)

const passphrasePrefix = "ssh-passphrase:"

// PassphraseStore keeps SSH passphrases encrypted in the database.
type PassphraseStore struct{}

var _ sshsetup.SecretStore = PassphraseStore{}

func (PassphraseStore) StorePassphrase(setupID string, passphrase []byte) error {
	tok, err := Encrypt(passphrase)
	if err != nil {
		return err
	}
	if err := database.SetSecret(passphrasePrefix+setupID, tok); err != nil {
		return fmt.Errorf("save passphrase: %w", err)
	}
	return nil
}

func (PassphraseStore) Passphrase(setupID string) ([]byte, error) {
	tok, err := database.GetSecret(passphrasePrefix + setupID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, sshsetup.ErrNoPassphrase
	}
	if err != nil {
		return nil, fmt.Errorf("load passphrase: %w", err)
	}
	return Decrypt(tok)
}

func (PassphraseStore) DeletePassphrase(setupID string) error {
	err := database.DeleteSecret(passphrasePrefix + setupID)
	if errors.Is(err, database.ErrNotFound) {
		return sshsetup.ErrNoPassphrase
	}
	return err
}
