// Package credentials resolves provider API keys. The environment wins; the
// system keychain is the fallback for operators who do not export secrets.
package credentials

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	"riskwatch/internal/errs"
)

const keystoreService = "riskwatch"

// APIKey returns the key named by envVar, first from the environment and then
// from the system keychain entry of the same name
func APIKey(envVar string) (string, error) {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return v, nil
	}

	key, err := keyring.Get(keystoreService, envVar)
	if err == nil && key != "" {
		return key, nil
	}
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		// Real error (not just "not found"), log it
		log.Printf("WARNING: keychain lookup for %s failed: %v", envVar, err)
	}
	return "", errs.Ef(errs.Configuration, "api key", "%s is not set and no keychain entry exists", envVar)
}

// StoreAPIKey saves a key in the system keychain
func StoreAPIKey(name, value string) error {
	if err := keyring.Set(keystoreService, name, value); err != nil {
		return fmt.Errorf("failed to store %s in keychain: %w", name, err)
	}
	return nil
}

// DeleteAPIKey removes a key from the keychain
func DeleteAPIKey(name string) error {
	return keyring.Delete(keystoreService, name)
}

// IsKeyStored checks if a key exists in the keychain
func IsKeyStored(name string) bool {
	_, err := keyring.Get(keystoreService, name)
	return err == nil
}
