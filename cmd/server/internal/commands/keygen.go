package commands

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/wolfeidau/tokenbroker/internal/cipher"
)

// KeygenCmd prints a new random encryption key for BROKER_ENCRYPTION_KEY.
type KeygenCmd struct{}

func (k *KeygenCmd) Run() error {
	key := make([]byte, cipher.KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	fmt.Printf("key_id=%s\n", cipher.KeyID(key))
	fmt.Printf("key=%s\n", base64.StdEncoding.EncodeToString(key))
	return nil
}
