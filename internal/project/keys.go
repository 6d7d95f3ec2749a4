package project

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// keyPrefix marks KnowledgeBeast API keys: kb_<key_id>_<secret>.
const keyPrefix = "kb"

// bcryptCost trades hash strength against per-request auth latency.
const bcryptCost = 10

// generateAPIKey mints a raw key and its storable record parts.
// The raw key is shown to the caller exactly once.
func generateAPIKey() (raw, keyID, hash string, err error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return "", "", "", fmt.Errorf("generate key id: %w", err)
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", "", fmt.Errorf("generate key secret: %w", err)
	}

	keyID = hex.EncodeToString(idBytes)
	secret := hex.EncodeToString(secretBytes)

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return "", "", "", fmt.Errorf("hash key secret: %w", err)
	}

	return fmt.Sprintf("%s_%s_%s", keyPrefix, keyID, secret), keyID, string(hashBytes), nil
}

// parseAPIKey splits a raw key into key ID and secret.
func parseAPIKey(raw string) (keyID, secret string, ok bool) {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) != 3 || parts[0] != keyPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// verifySecret checks a presented secret against the stored hash.
func verifySecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// joinScopes serializes scopes for storage.
func joinScopes(scopes []Scope) string {
	parts := make([]string, len(scopes))
	for i, s := range scopes {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

// splitScopes parses the stored scope list.
func splitScopes(s string) []Scope {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	scopes := make([]Scope, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			scopes = append(scopes, Scope(trimmed))
		}
	}
	return scopes
}
