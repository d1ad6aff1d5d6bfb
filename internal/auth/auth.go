// Package auth guards the dashboard with a single-operator login: bearer
// session tokens over a configured username/password, with an optional TOTP
// second factor. Password changes are persisted as a salted hash so they
// survive restarts without editing the config.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

var (
	// ErrBadCredentials covers wrong username, password or TOTP code. One
	// error for all three, so the login form leaks nothing.
	ErrBadCredentials = errors.New("invalid credentials")

	// ErrTOTPRequired means the account has a TOTP secret and the login
	// attempt did not carry a code.
	ErrTOTPRequired = errors.New("totp code required")
)

// Config configures the manager.
type Config struct {
	Username   string
	Password   string
	TOTPSecret string // empty disables the second factor
	SessionTTL time.Duration
	StateFile  string // persisted password hash; empty keeps changes in memory
}

// persistedState is the on-disk auth state.
type persistedState struct {
	Salt         string `json:"salt"`
	PasswordHash string `json:"password_hash"`
}

// Manager validates logins and tracks sessions.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	salt     string
	hash     string
	sessions map[string]time.Time

	now func() time.Time
}

// New creates a manager. A state file written by a previous ChangePassword
// takes precedence over the configured password.
func New(cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logger.Named("auth"),
		sessions: make(map[string]time.Time),
		now:      time.Now,
	}

	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	m.salt = salt
	m.hash = hashPassword(cfg.Password, salt)

	if cfg.StateFile != "" {
		if err := m.loadState(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) loadState() error {
	data, err := os.ReadFile(m.cfg.StateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read auth state: %w", err)
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode auth state: %w", err)
	}
	if st.Salt != "" && st.PasswordHash != "" {
		m.salt = st.Salt
		m.hash = st.PasswordHash
		m.logger.Info("loaded stored password hash")
	}
	return nil
}

// Login checks credentials and the TOTP code when configured, and returns a
// new session token.
func (m *Manager) Login(username, password, totpCode string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(username), []byte(m.cfg.Username)) != 1 {
		return "", ErrBadCredentials
	}
	m.mu.Lock()
	salt, hash := m.salt, m.hash
	m.mu.Unlock()
	if subtle.ConstantTimeCompare([]byte(hashPassword(password, salt)), []byte(hash)) != 1 {
		return "", ErrBadCredentials
	}
	if m.cfg.TOTPSecret != "" {
		if totpCode == "" {
			return "", ErrTOTPRequired
		}
		if !totp.Validate(totpCode, m.cfg.TOTPSecret) {
			return "", ErrBadCredentials
		}
	}

	token := uuid.NewString()
	m.mu.Lock()
	m.pruneLocked()
	m.sessions[token] = m.now().Add(m.cfg.SessionTTL)
	m.mu.Unlock()

	m.logger.Info("login", zap.String("user", username))
	return token, nil
}

// Validate reports whether token belongs to a live session.
func (m *Manager) Validate(token string) bool {
	if token == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.sessions[token]
	if !ok {
		return false
	}
	if m.now().After(expiry) {
		delete(m.sessions, token)
		return false
	}
	return true
}

// Logout drops the session.
func (m *Manager) Logout(token string) {
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
}

// ChangePassword verifies the old password, installs the new one and
// persists the hash. Existing sessions stay valid.
func (m *Manager) ChangePassword(oldPassword, newPassword string) error {
	if len(newPassword) < 8 {
		return errors.New("new password must be at least 8 characters")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if subtle.ConstantTimeCompare([]byte(hashPassword(oldPassword, m.salt)), []byte(m.hash)) != 1 {
		return ErrBadCredentials
	}

	salt, err := newSalt()
	if err != nil {
		return err
	}
	hash := hashPassword(newPassword, salt)

	if m.cfg.StateFile != "" {
		data, err := json.Marshal(persistedState{Salt: salt, PasswordHash: hash})
		if err != nil {
			return err
		}
		if dir := filepath.Dir(m.cfg.StateFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create state dir: %w", err)
			}
		}
		if err := os.WriteFile(m.cfg.StateFile, data, 0o600); err != nil {
			return fmt.Errorf("persist auth state: %w", err)
		}
	}

	m.salt = salt
	m.hash = hash
	m.logger.Info("password changed")
	return nil
}

// pruneLocked drops expired sessions. Caller holds m.mu.
func (m *Manager) pruneLocked() {
	now := m.now()
	for token, expiry := range m.sessions {
		if now.After(expiry) {
			delete(m.sessions, token)
		}
	}
}

func hashPassword(password, salt string) string {
	sum := sha256.Sum256([]byte(salt + ":" + password))
	return hex.EncodeToString(sum[:])
}

func newSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}
