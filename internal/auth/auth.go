// Package auth authenticates users from a YAML user file and issues
// short-lived JWTs for the HTTP API.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/untoldecay/ThreadLoom/internal/types"
)

// TokenTTL is how long an issued token stays valid.
const TokenTTL = 24 * time.Hour

var (
	ErrInvalidCredentials = fmt.Errorf("invalid username or password")
	ErrInvalidToken       = fmt.Errorf("invalid or expired token")
)

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("timing-equalizer"), bcrypt.MinCost)

// UserEntry is one user in the YAML user file. ModelMask is a regular
// expression limiting which models the user may call; empty allows all.
type UserEntry struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
	ModelMask    string `yaml:"model_mask,omitempty"`
}

type userFile struct {
	Users []UserEntry `yaml:"users"`
}

// Service authenticates users and signs tokens with an HS256 secret.
type Service struct {
	log    *logrus.Entry
	secret []byte

	mu    sync.RWMutex
	users map[string]UserEntry
	masks map[string]*regexp.Regexp
}

// New creates a Service over the users in path. A missing file yields a
// service with no users; every login fails until users are added.
func New(path string, secret []byte, log *logrus.Logger) (*Service, error) {
	s := &Service{
		log:    log.WithField("component", "auth"),
		secret: secret,
		users:  map[string]UserEntry{},
		masks:  map[string]*regexp.Regexp{},
	}
	entries, err := LoadUsers(path)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if err := s.addEntry(entry); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewEphemeral creates a single-user in-memory service for throwaway
// runs. The admin password is generated and returned to the caller for
// display; nothing touches disk.
func NewEphemeral(log *logrus.Logger) (*Service, string, error) {
	secret, err := randomSecret()
	if err != nil {
		return nil, "", err
	}
	password, err := randomToken(12)
	if err != nil {
		return nil, "", err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, "", err
	}
	s := &Service{
		log:    log.WithField("component", "auth"),
		secret: secret,
		users:  map[string]UserEntry{},
		masks:  map[string]*regexp.Regexp{},
	}
	if err := s.addEntry(UserEntry{Username: "admin", PasswordHash: hash, Role: "admin"}); err != nil {
		return nil, "", err
	}
	return s, password, nil
}

func (s *Service) addEntry(entry UserEntry) error {
	if entry.Username == "" {
		return fmt.Errorf("user entry with empty username")
	}
	var mask *regexp.Regexp
	if entry.ModelMask != "" {
		var err error
		mask, err = regexp.Compile(entry.ModelMask)
		if err != nil {
			return fmt.Errorf("invalid model_mask for user %q: %w", entry.Username, err)
		}
	}
	s.mu.Lock()
	s.users[entry.Username] = entry
	s.masks[entry.Username] = mask
	s.mu.Unlock()
	return nil
}

// Authenticate checks the password and returns the user.
func (s *Service) Authenticate(username, password string) (*types.User, error) {
	s.mu.RLock()
	entry, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		// Burn time anyway so a missing user is not distinguishable by
		// response latency.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(entry.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &types.User{Username: entry.Username, Role: entry.Role}, nil
}

// IssueToken signs an HS256 token for the user.
func (s *Service) IssueToken(user *types.User) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  user.Username,
		"role": user.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(TokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// VerifyToken validates a token and returns its user.
func (s *Service) VerifyToken(token string) (*types.User, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrInvalidToken
	}
	role, _ := claims["role"].(string)
	return &types.User{Username: sub, Role: role}, nil
}

// RequestAllowed reports whether the user may call the model, per the
// user's model_mask.
func (s *Service) RequestAllowed(username, model string) bool {
	s.mu.RLock()
	mask, ok := s.masks[username]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if mask == nil {
		return true
	}
	return mask.MatchString(model)
}

// Users returns the known usernames and roles, for the CLI listing.
func (s *Service) Users() []types.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.User, 0, len(s.users))
	for _, entry := range s.users {
		out = append(out, types.User{Username: entry.Username, Role: entry.Role})
	}
	return out
}

// HashPassword bcrypt-hashes a password for storage in the user file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// LoadUsers reads the YAML user file. A missing file is an empty list.
func LoadUsers(path string) ([]UserEntry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user file: %w", err)
	}
	var f userFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse user file %s: %w", path, err)
	}
	return f.Users, nil
}

// SaveUser appends or replaces a user in the YAML user file.
func SaveUser(path string, entry UserEntry) error {
	entries, err := LoadUsers(path)
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range entries {
		if existing.Username == entry.Username {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	data, err := yaml.Marshal(userFile{Users: entries})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ResolveSecret finds the JWT signing secret: the JWT_SECRET_KEY
// environment variable, then the file named by JWT_SECRET_FILE, then a
// persistent generated secret under dataDir.
func ResolveSecret(dataDir string) ([]byte, error) {
	if v := os.Getenv("JWT_SECRET_KEY"); v != "" {
		return []byte(v), nil
	}
	if path := os.Getenv("JWT_SECRET_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read JWT_SECRET_FILE: %w", err)
		}
		return data, nil
	}

	path := filepath.Join(dataDir, "jwt.secret")
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}
	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist generated secret: %w", err)
	}
	return secret, nil
}

func randomSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	out := make([]byte, hex.EncodedLen(len(secret)))
	hex.Encode(out, secret)
	return out, nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
