package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/psantana5/schedopt/pkg/models"
)

// API keys look like sok_<id>_<secret>. Only the bcrypt hash of the full
// key is kept; the id selects which hash to compare against.
const apiKeyPrefix = "sok_"

// IsAPIKey reports whether s has the API key shape
func IsAPIKey(s string) bool {
	_, _, ok := splitKey(s)
	return ok
}

func splitKey(s string) (id, secret string, ok bool) {
	if !strings.HasPrefix(s, apiKeyPrefix) {
		return "", "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(s, apiKeyPrefix), "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// KeyConfig declares a pre-provisioned key in configuration
type KeyConfig struct {
	ID          string   `mapstructure:"id" yaml:"id"`
	Hash        string   `mapstructure:"hash" yaml:"hash"`
	Subject     string   `mapstructure:"subject" yaml:"subject"`
	Roles       []string `mapstructure:"roles" yaml:"roles"`
	Permissions []string `mapstructure:"permissions" yaml:"permissions"`
}

// APIKey contains key metadata
type APIKey struct {
	ID        string
	Hash      string
	Principal models.Principal
	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiry
}

// APIKeyStore manages hashed service keys
type APIKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
	cost int
	now  func() time.Time
}

// NewAPIKeyStore creates an empty key store
func NewAPIKeyStore() *APIKeyStore {
	return &APIKeyStore{
		keys: make(map[string]*APIKey),
		cost: bcrypt.DefaultCost,
		now:  time.Now,
	}
}

// Load registers configured keys
func (s *APIKeyStore) Load(cfgs []KeyConfig) error {
	for _, c := range cfgs {
		if c.ID == "" || c.Hash == "" || c.Subject == "" {
			return fmt.Errorf("api key %q: id, hash and subject are required", c.ID)
		}
		if _, err := bcrypt.Cost([]byte(c.Hash)); err != nil {
			return fmt.Errorf("api key %q: invalid bcrypt hash: %w", c.ID, err)
		}
		p := models.Principal{Subject: c.Subject, Method: "apikey"}
		for _, r := range c.Roles {
			p.Roles = append(p.Roles, models.Role(r))
		}
		for _, perm := range c.Permissions {
			p.Permissions = append(p.Permissions, models.Permission(perm))
		}
		s.mu.Lock()
		s.keys[c.ID] = &APIKey{ID: c.ID, Hash: c.Hash, Principal: p, CreatedAt: s.now()}
		s.mu.Unlock()
	}
	return nil
}

// Generate creates a new key for p. The plaintext is returned once and
// never stored.
func (s *APIKeyStore) Generate(p models.Principal, ttl time.Duration) (string, *APIKey, error) {
	idBytes := make([]byte, 6)
	if _, err := rand.Read(idBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate key id: %w", err)
	}
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate API key: %w", err)
	}
	id := hex.EncodeToString(idBytes)
	key := apiKeyPrefix + id + "_" + base64.RawURLEncoding.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(key), s.cost)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash API key: %w", err)
	}

	p.Method = "apikey"
	entry := &APIKey{ID: id, Hash: string(hash), Principal: p, CreatedAt: s.now()}
	if ttl > 0 {
		entry.ExpiresAt = entry.CreatedAt.Add(ttl)
	}

	s.mu.Lock()
	s.keys[id] = entry
	s.mu.Unlock()
	return key, entry, nil
}

// Verify checks key and returns a copy of its principal
func (s *APIKeyStore) Verify(key string) (*models.Principal, error) {
	id, _, ok := splitKey(key)
	if !ok {
		return nil, fmt.Errorf("%w: malformed API key", ErrInvalidToken)
	}
	s.mu.RLock()
	entry, found := s.keys[id]
	s.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: unknown API key", ErrInvalidToken)
	}
	if !entry.ExpiresAt.IsZero() && s.now().After(entry.ExpiresAt) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, ErrTokenExpired)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(entry.Hash), []byte(key)); err != nil {
		return nil, ErrInvalidToken
	}
	p := entry.Principal
	p.Roles = append([]models.Role(nil), p.Roles...)
	p.Permissions = append([]models.Permission(nil), p.Permissions...)
	return &p, nil
}

// Revoke removes a key by id
func (s *APIKeyStore) Revoke(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
}

// List returns key metadata without hashes, sorted by id
func (s *APIKeyStore) List() []APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		c := *k
		c.Hash = ""
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CleanupExpired removes expired keys and returns how many were removed
func (s *APIKeyStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, k := range s.keys {
		if !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt) {
			delete(s.keys, id)
			n++
		}
	}
	return n
}

// HashKey hashes a plaintext key for use in KeyConfig.Hash
func HashKey(key string) (string, error) {
	if !IsAPIKey(key) {
		return "", fmt.Errorf("key must have the form %s<id>_<secret>", apiKeyPrefix)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}
