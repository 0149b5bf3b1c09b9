// Package auth provides password hashing, API key generation, and
// session-token issuance/verification for the SessionManager's admission
// contract (spec.md §4.4).
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hybrid-dns/eventbroker/internal/crypto"
)

// GenerateAPIKey returns a 32-byte random value, base64url-encoded
// (44 characters, matching the historical API key shape).
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// HashPassword hashes password with bcrypt. bcrypt rejects inputs over 72
// bytes; callers must validate length before accepting a password choice.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPasswordHash reports whether password matches hash. Returns false
// for any malformed hash rather than erroring.
func CheckPasswordHash(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// AdminUserID is the fixed user_id bound to session tokens and
// subscriptions for the single administrative account the settings-table
// auth model supports (handlers_auth.go has no per-user table, only one
// password_hash/api_key pair).
const AdminUserID = "admin"

// SingleAdmin satisfies subscriptions.AdminChecker and
// critical.AdminDirectory under the single-admin-account model: the one
// authenticated identity is always the admin.
type SingleAdmin struct{}

// IsAdmin reports whether userID is the administrative account.
func (SingleAdmin) IsAdmin(userID string) bool { return userID == AdminUserID }

// AdminUserIDs returns the sole administrative account's user_id, for
// CriticalEventRule's all_admins target resolution.
func (SingleAdmin) AdminUserIDs() []string { return []string{AdminUserID} }

// ErrInvalidToken is returned by VerifySessionToken for any malformed,
// expired, or tampered token.
var ErrInvalidToken = errors.New("invalid session token")

// sessionTokenKey derives the HMAC signing key from the process's
// encryption key material, following the teacher's symmetric
// at-rest-secret pattern rather than a JWT library (see DESIGN.md).
// Encrypt uses a random nonce, so the key is computed once per process and
// reused; with an encryption key configured, tokens do not verify across a
// process restart.
func sessionTokenKey() []byte {
	tokenKeyOnce.Do(func() {
		km := crypto.GetKeyManager()
		if km.HasKey() {
			sig, _ := km.Encrypt("eventbroker-session-token-key")
			sum := sha256.Sum256([]byte(sig))
			tokenKey = sum[:]
			return
		}
		sum := sha256.Sum256([]byte("eventbroker-session-token-key-fallback"))
		tokenKey = sum[:]
	})
	return tokenKey
}

var (
	tokenKeyOnce sync.Once
	tokenKey     []byte
)

// IssueSessionToken produces an opaque, HMAC-signed token binding userID
// to an expiry. The wire shape is "<userID>:<unixExpiry>:<hexHMAC>",
// base64url-encoded as a whole so it is safe as a bearer token or query
// parameter.
func IssueSessionToken(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("userID required")
	}
	expiry := time.Now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s:%d", userID, expiry)
	mac := hmac.New(sha256.New, sessionTokenKey())
	mac.Write([]byte(payload))
	sig := mac.Sum(nil)
	full := fmt.Sprintf("%s:%x", payload, sig)
	return base64.URLEncoding.EncodeToString([]byte(full)), nil
}

// VerifySessionToken validates a token issued by IssueSessionToken and
// returns the bound user ID.
func VerifySessionToken(token string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrInvalidToken
	}
	parts := strings.SplitN(string(raw), ":", 3)
	if len(parts) != 3 {
		return "", ErrInvalidToken
	}
	userID, expiryStr, sigHex := parts[0], parts[1], parts[2]

	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return "", ErrInvalidToken
	}
	if time.Now().Unix() > expiry {
		return "", ErrInvalidToken
	}

	payload := fmt.Sprintf("%s:%s", userID, expiryStr)
	mac := hmac.New(sha256.New, sessionTokenKey())
	mac.Write([]byte(payload))
	expectedSig := fmt.Sprintf("%x", mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(sigHex), []byte(expectedSig)) != 1 {
		return "", ErrInvalidToken
	}
	return userID, nil
}
