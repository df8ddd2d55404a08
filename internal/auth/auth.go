// Package auth handles front-end logins and seals network credentials at
// rest.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	loginFailedMessage = "Login failed"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrInvalidToken = errors.New("invalid token")
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
}

type UserCredentials struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"`
	// Consecutive failed login attempts, used to throttle brute force.
	FailedLoginAttempts int64 `json:"failedLoginAttempts"`
	LastAttemptTime     int64 `json:"lastAttemptTime"`
}

func (uc *UserCredentials) ResetFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts = 0
	uc.LastAttemptTime = now.Unix()
}

func (uc *UserCredentials) IncrementFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts++
	uc.LastAttemptTime = now.Unix()
}

// Store persists logins and token hashes. Raw tokens never reach it.
type Store interface {
	UpsertCredentials(c UserCredentials) error
	UpsertToken(userID, tokenHash string) error
	DeleteToken(tokenHash string) error
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

type AuthService struct {
	Config
	users *geche.Locker[string, *UserCredentials]
	// Keyed by token hash.
	liveTokens geche.Geche[string, string]
	store      Store
	now        func() time.Time
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

func NewAuthService(ctx context.Context, config Config) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		users:      geche.NewLocker[string, *UserCredentials](geche.NewMapCache[string, *UserCredentials]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

// SetStore makes later changes persistent.
func (as *AuthService) SetStore(s Store) {
	as.store = s
}

// Load restores logins and live tokens read back from storage.
func (as *AuthService) Load(creds []UserCredentials, tokens map[string]string) {
	tx := as.users.Lock()
	for i := range creds {
		c := creds[i]
		tx.Set(c.Username, &c)
	}
	tx.Unlock()
	for hash, userID := range tokens {
		as.liveTokens.Set(hash, userID)
	}
}

func (as *AuthService) hashPassword(username, password string) string {
	h := hmac.New(sha512.New, as.secretBytes)
	h.Write([]byte(username + password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// HashToken is what gets stored for a bearer token.
func (as *AuthService) HashToken(token string) string {
	h := hmac.New(sha256.New, as.secretBytes)
	h.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (as *AuthService) AddUser(username, password string) (UserCredentials, error) {
	tx := as.users.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(username); err == nil {
		return UserCredentials{}, ErrUserExists
	}

	creds := &UserCredentials{
		UserID:       uuid.NewString(),
		Username:     username,
		PasswordHash: as.hashPassword(username, password),
	}
	if as.store != nil {
		if err := as.store.UpsertCredentials(*creds); err != nil {
			return UserCredentials{}, fmt.Errorf("failed to store credentials: %w", err)
		}
	}
	tx.Set(username, creds)

	return UserCredentials{
		UserID:   creds.UserID,
		Username: username,
	}, nil
}

func (as *AuthService) Login(req LoginRequest) (LoginResponse, string) {
	now := as.now()
	tx := as.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(req.Username)
	if err != nil {
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, ""
	}

	if user.FailedLoginAttempts > 3 {
		lastAttempt := user.LastAttemptTime
		failedAttempts := user.FailedLoginAttempts
		nextAttempt := lastAttempt + 30*(failedAttempts*failedAttempts)
		if now.Unix() < nextAttempt {
			return LoginResponse{
				Success: false,
				Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", nextAttempt-now.Unix()),
			}, ""
		}
	}

	// Constant-time comparison.
	currentHash := as.hashPassword(req.Username, req.Password)
	if !hmac.Equal([]byte(user.PasswordHash), []byte(currentHash)) {
		user.IncrementFailedLoginAttempts(now)
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, ""
	}

	token, err := as.generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", user.UserID, "error", err)
		return LoginResponse{
			Success: false,
			Message: "internal error",
		}, ""
	}

	hash := as.HashToken(token)
	if as.store != nil {
		if err := as.store.UpsertToken(user.UserID, hash); err != nil {
			slog.Error("failed to store token", "user_id", user.UserID, "error", err)
		}
	}
	as.liveTokens.Set(hash, user.UserID)
	user.ResetFailedLoginAttempts(now)

	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: now.Unix() + int64(as.TokenExpiry.Seconds()),
	}, user.UserID
}

func (as *AuthService) Logoff(token string) error {
	hash := as.HashToken(token)
	if as.store != nil {
		if err := as.store.DeleteToken(hash); err != nil {
			return fmt.Errorf("failed to delete token: %w", err)
		}
	}
	return as.liveTokens.Del(hash)
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func (as *AuthService) GetUserID(token string) (string, error) {
	id, err := as.liveTokens.Get(as.HashToken(token))
	if err != nil {
		return "", ErrInvalidToken
	}
	return id, nil
}
