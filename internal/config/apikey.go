package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "perch"
	keyringUser    = "kernel-api-key"
)

// ErrNoAPIKey is returned when no Kernel API key is configured anywhere.
var ErrNoAPIKey = errors.New("no Kernel API key: pass --api-key, set KERNEL_API_KEY or run `perch key set`")

// KeyStore persists the Kernel API key.
type KeyStore interface {
	Get() (string, error)
	Set(key string) error
	Delete() error
}

// Keyring stores the key in the OS credential store.
type Keyring struct{}

func (Keyring) Get() (string, error) {
	key, err := keyring.Get(keyringService, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	return key, err
}

func (Keyring) Set(key string) error {
	return keyring.Set(keyringService, keyringUser, key)
}

func (Keyring) Delete() error {
	err := keyring.Delete(keyringService, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// ResolveAPIKey picks the Kernel API key: explicit value, then
// KERNEL_API_KEY, then the key store.
func ResolveAPIKey(explicit string, lookup func(string) (string, bool), store KeyStore) (string, error) {
	if k := strings.TrimSpace(explicit); k != "" {
		return k, nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if k, ok := lookup("KERNEL_API_KEY"); ok && strings.TrimSpace(k) != "" {
		return strings.TrimSpace(k), nil
	}
	if store != nil {
		k, err := store.Get()
		if err != nil {
			return "", fmt.Errorf("failed to read keyring: %w", err)
		}
		if k != "" {
			return k, nil
		}
	}
	return "", ErrNoAPIKey
}
