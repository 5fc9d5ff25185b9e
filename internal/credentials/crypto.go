// Package credentials encrypts secrets at rest with a node-local Fernet key
// and provides the TLS material of the broker.
package credentials

import (
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/gluk-w/claworc/nodelink/internal/database"
)

const fernetKeySetting = "fernet_key"

func getKey() (*fernet.Key, error) {
	keyStr, err := database.GetSetting(fernetKeySetting)
	if errors.Is(err, database.ErrNotFound) {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting(fernetKeySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load fernet key: %w", err)
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

func Encrypt(plaintext []byte) (string, error) {
	key, err := getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign(plaintext, key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func Decrypt(ciphertext string) ([]byte, error) {
	if ciphertext == "" {
		return nil, nil
	}
	key, err := getKey()
	if err != nil {
		return nil, err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return nil, fmt.Errorf("decrypt: invalid token")
	}
	return msg, nil
}

// Mask hides all but the last four characters of value.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
