// Package auth authenticates requests to the control server with
// pre-shared API keys. Keys are held only as SHA-256 digests.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

const (
	// APIKeyPrefix marks control API keys.
	APIKeyPrefix = "ws_"
	// APIKeyMinLen is the shortest accepted key, prefix included.
	APIKeyMinLen = len(APIKeyPrefix) + 32
	apiKeyBytes  = 32
)

// APIKey is a configured key and the user it authenticates as.
type APIKey struct {
	UserID string
	Key    string
}

type keyEntry struct {
	userID string
	digest [sha256.Size]byte
}

// Store holds the accepted API keys.
type Store struct {
	mu   sync.RWMutex
	keys []keyEntry
}

// NewStore creates a store accepting keys.
func NewStore(keys []APIKey) *Store {
	s := &Store{}
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

// Add registers a key.
func (s *Store) Add(k APIKey) {
	s.mu.Lock()
	s.keys = append(s.keys, keyEntry{userID: k.UserID, digest: sha256.Sum256([]byte(k.Key))})
	s.mu.Unlock()
}

// Len returns the number of registered keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// ValidateAPIKey returns the user a key authenticates as, or "" when the
// key is unknown. Every entry is compared so timing does not reveal
// which one matched.
func (s *Store) ValidateAPIKey(key string) string {
	digest := sha256.Sum256([]byte(key))

	s.mu.RLock()
	defer s.mu.RUnlock()

	userID := ""
	for _, e := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], e.digest[:]) == 1 {
			userID = e.userID
		}
	}

	return userID
}

// GenerateAPIKey returns a new random key with the API key prefix.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(apiKeyBytes)
}

// ValidateKeyFormat checks the prefix, length and hex body of a key.
func ValidateKeyFormat(key string) error {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return fmt.Errorf("API key must start with %q", APIKeyPrefix)
	}

	if len(key) < APIKeyMinLen {
		return fmt.Errorf("API key too short (minimum %d characters)", APIKeyMinLen)
	}

	if _, err := hex.DecodeString(key[len(APIKeyPrefix):]); err != nil {
		return fmt.Errorf("API key contains non-hex characters after %q", APIKeyPrefix)
	}

	return nil
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
