package auth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	alerrors "github.com/allcare-health/al-backend/pkg/shared/errors"
)

// UserRecord is one entry in the user store: a login identity plus its
// bcrypt password hash. Grounded in auth.py's users.json shape
// (username -> {password_hash, role, first_name, last_name}).
type UserRecord struct {
	UserID       string `json:"user_id"`
	PasswordHash string `json:"password_hash"`
	Role         Role   `json:"role"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
}

// UserStore is the login-credential store backed by a single JSON file
// keyed by username.
type UserStore struct {
	path string
	mu   sync.Mutex
}

// NewUserStore builds a UserStore backed by path.
func NewUserStore(path string) *UserStore {
	return &UserStore{path: path}
}

func (s *UserStore) loadAll() (map[string]UserRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]UserRecord{}, nil
		}
		return nil, alerrors.FailedToWithDetails("read user store", "auth", s.path, err)
	}
	users := map[string]UserRecord{}
	if len(data) == 0 {
		return users, nil
	}
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, alerrors.FailedToWithDetails("parse user store", "auth", s.path, err)
	}
	return users, nil
}

func (s *UserStore) saveAll(users map[string]UserRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return alerrors.FailedToWithDetails("create user store directory", "auth", s.path, err)
	}
	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return alerrors.FailedToWithDetails("marshal user store", "auth", s.path, err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return alerrors.FailedToWithDetails("write user store", "auth", s.path, err)
	}
	return nil
}

// GetUser returns the record for username, or false if none exists.
func (s *UserStore) GetUser(username string) (UserRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, err := s.loadAll()
	if err != nil {
		return UserRecord{}, false, err
	}
	user, ok := users[username]
	return user, ok, nil
}

// CreateUser adds a new login identity, hashing password with bcrypt.
// Reports an error if username already exists.
func (s *UserStore) CreateUser(username, password string, role Role, firstName, lastName string) (UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.loadAll()
	if err != nil {
		return UserRecord{}, err
	}
	if _, exists := users[username]; exists {
		return UserRecord{}, alerrors.ValidationError("username", "already exists")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return UserRecord{}, err
	}
	record := UserRecord{
		UserID:       username,
		PasswordHash: hash,
		Role:         role,
		FirstName:    firstName,
		LastName:     lastName,
	}
	users[username] = record
	if err := s.saveAll(users); err != nil {
		return UserRecord{}, err
	}
	return record, nil
}

// Authenticate looks up username and verifies password against its
// stored hash. Reports false (no error) for either an unknown username
// or a wrong password, matching auth.py's authenticate_user, which
// deliberately doesn't distinguish the two to callers.
func (s *UserStore) Authenticate(username, password string) (UserRecord, bool, error) {
	record, ok, err := s.GetUser(username)
	if err != nil {
		return UserRecord{}, false, err
	}
	if !ok || !VerifyPassword(password, record.PasswordHash) {
		return UserRecord{}, false, nil
	}
	return record, true, nil
}
