package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Key kinds and their plaintext prefixes.
const (
	KeyKindGuest = "guest"
	KeyKindUser  = "dalsi"

	keyRandomBytes   = 32
	displayPrefixLen = 16
)

// DefaultScopes are granted to newly created keys.
var DefaultScopes = []string{"ai.chat", "ai.code", "ai.image"}

// GeneratedKey holds a new key. FullKey is shown to the user once and never stored.
type GeneratedKey struct {
	FullKey string
	Prefix  string
	Hash    string
}

// GenerateAPIKey returns "sk-<kind>-" followed by 64 hex characters, together
// with its display prefix and SHA-256 hash.
func GenerateAPIKey(kind string) (*GeneratedKey, error) {
	switch kind {
	case KeyKindGuest, KeyKindUser:
	default:
		return nil, fmt.Errorf("auth: unknown api key kind %q", kind)
	}

	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("auth: read random: %w", err)
	}

	full := "sk-" + kind + "-" + hex.EncodeToString(buf)
	return &GeneratedKey{
		FullKey: full,
		Prefix:  full[:displayPrefixLen],
		Hash:    HashAPIKey(full),
	}, nil
}

// HashAPIKey is the lookup hash stored for a plaintext key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}
