package models

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"
)

// DefaultSessionLimit caps concurrent external sessions per user.
const DefaultSessionLimit = 5

// User is a human principal that owns external sessions.
// A zero ID marks an unpersisted instance.
type User struct {
	ID           int64      `json:"id,omitempty"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"password_hash,omitempty"`
	IsAdmin      bool       `json:"is_admin"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`

	// APIKey is empty when no key has been issued. Unique across users
	// when set.
	APIKey string `json:"api_key,omitempty"`

	// SessionLimit is the maximum number of concurrent external sessions.
	SessionLimit int `json:"session_limit"`

	// Preferences stores free-form user settings.
	Preferences map[string]any `json:"preferences,omitempty"`

	// ActiveSessionIDs tracks the user's live external sessions in
	// creation order.
	ActiveSessionIDs []int64 `json:"active_session_ids,omitempty"`
}

// NewUser creates an unpersisted user with default limits.
func NewUser(username string) *User {
	return &User{
		Username:     username,
		CreatedAt:    time.Now().UTC(),
		SessionLimit: DefaultSessionLimit,
		Preferences:  map[string]any{},
	}
}

// SetPassword replaces the stored password hash.
func (u *User) SetPassword(password string) {
	u.PasswordHash = HashPassword(password)
}

// VerifyPassword reports whether password matches the stored hash.
func (u *User) VerifyPassword(password string) bool {
	if u.PasswordHash == "" {
		return false
	}
	candidate := HashPassword(password)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(u.PasswordHash)) == 1
}

// GenerateAPIKey mints and assigns a new API key, returning it.
func (u *User) GenerateAPIKey() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic("models: crypto/rand unavailable: " + err.Error())
	}
	u.APIKey = "sk-" + hex.EncodeToString(buf)
	return u.APIKey
}

// GetPreference returns a preference value, or nil when unset.
func (u *User) GetPreference(key string) any {
	if u.Preferences == nil {
		return nil
	}
	return u.Preferences[key]
}

// SetPreference stores a preference value.
func (u *User) SetPreference(key string, value any) {
	if u.Preferences == nil {
		u.Preferences = map[string]any{}
	}
	u.Preferences[key] = value
}

// AddActiveSession appends an external session id if not already tracked.
func (u *User) AddActiveSession(externalSessionID int64) {
	for _, id := range u.ActiveSessionIDs {
		if id == externalSessionID {
			return
		}
	}
	u.ActiveSessionIDs = append(u.ActiveSessionIDs, externalSessionID)
}

// RemoveActiveSession drops an external session id from the tracked list.
func (u *User) RemoveActiveSession(externalSessionID int64) {
	out := u.ActiveSessionIDs[:0]
	for _, id := range u.ActiveSessionIDs {
		if id != externalSessionID {
			out = append(out, id)
		}
	}
	u.ActiveSessionIDs = out
}

// HashPassword hashes a plaintext password for storage.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return "sha256:" + hex.EncodeToString(sum[:])
}
