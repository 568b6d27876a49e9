package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jordanlanch/docvault/pkg/domain"
	"github.com/jordanlanch/docvault/pkg/logger"
)

// Manager resolves credentials by name.
type Manager interface {
	// GetSecret retrieves a secret by key
	GetSecret(ctx context.Context, key string) (string, error)

	// GetSecretJSON retrieves a secret and unmarshals it as JSON
	GetSecretJSON(ctx context.Context, key string, dest interface{}) error

	// RefreshCache drops every cached value
	RefreshCache(ctx context.Context) error
}

// Config holds secrets manager configuration
type Config struct {
	Backend       string        // "env", "file" or "aws"
	Dir           string        // directory holding one file per secret, for the file backend
	AWSRegion     string        // AWS region for Secrets Manager
	AWSEndpoint   string        // optional, for LocalStack
	Prefix        string        // prepended to every key to form the Secrets Manager id
	CacheDuration time.Duration // how long a resolved secret is reused
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Backend:       "env",
		Dir:           "/run/secrets",
		AWSRegion:     "us-east-1",
		CacheDuration: 5 * time.Minute,
	}
}

// NewManager creates a secrets manager for the configured backend.
func NewManager(ctx context.Context, cfg Config, log logger.Logger) (Manager, error) {
	switch cfg.Backend {
	case "aws", "aws-secrets-manager":
		return NewAWSSecretsManager(ctx, cfg, log)
	case "", "env", "environment":
		log.Debug("using environment variables for secrets")
		return NewEnvironmentManager(cfg), nil
	case "file", "docker":
		log.Info("using mounted secret files", "dir", cfg.Dir)
		return NewFileManager(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported secrets backend: %s", cfg.Backend)
	}
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

type secretCache struct {
	mu      sync.RWMutex
	entries map[string]cachedSecret
	ttl     time.Duration
	now     func() time.Time
}

func newSecretCache(ttl time.Duration) *secretCache {
	return &secretCache{entries: make(map[string]cachedSecret), ttl: ttl, now: time.Now}
}

func (c *secretCache) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, ok := c.entries[key]
	if !ok || c.now().After(cached.expiresAt) {
		return "", false
	}
	return cached.value, true
}

func (c *secretCache) set(key, value string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cachedSecret{value: value, expiresAt: c.now().Add(c.ttl)}
}

func (c *secretCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cachedSecret)
}

// EnvironmentManager reads secrets from environment variables. A KEY_FILE
// variable naming a readable file is honored when KEY itself is unset.
type EnvironmentManager struct {
	cache *secretCache
}

// NewEnvironmentManager creates a new environment-based secrets manager
func NewEnvironmentManager(cfg Config) *EnvironmentManager {
	return &EnvironmentManager{cache: newSecretCache(cfg.CacheDuration)}
}

// GetSecret retrieves a secret from the environment
func (m *EnvironmentManager) GetSecret(_ context.Context, key string) (string, error) {
	if value, ok := m.cache.get(key); ok {
		return value, nil
	}

	value := os.Getenv(key)
	if value == "" {
		if path := os.Getenv(key + "_FILE"); path != "" {
			var err error
			if value, err = readSecretFile(path); err != nil {
				return "", fmt.Errorf("secret %s: %w", key, err)
			}
		}
	}
	if value == "" {
		return "", domain.NewNotFoundError("secret " + key)
	}

	m.cache.set(key, value)
	return value, nil
}

// GetSecretJSON retrieves a secret and unmarshals it as JSON
func (m *EnvironmentManager) GetSecretJSON(ctx context.Context, key string, dest interface{}) error {
	return getJSON(ctx, m, key, dest)
}

// RefreshCache clears the cache (forces reload on next access)
func (m *EnvironmentManager) RefreshCache(context.Context) error {
	m.cache.clear()
	return nil
}

// FileManager reads each secret from a file named after its key.
type FileManager struct {
	dir   string
	cache *secretCache
}

// NewFileManager creates a manager rooted at cfg.Dir.
func NewFileManager(cfg Config) *FileManager {
	return &FileManager{dir: cfg.Dir, cache: newSecretCache(cfg.CacheDuration)}
}

// GetSecret retrieves a secret from <dir>/<key>, falling back to the
// lower-cased file name used by most orchestrators.
func (m *FileManager) GetSecret(_ context.Context, key string) (string, error) {
	if value, ok := m.cache.get(key); ok {
		return value, nil
	}

	for _, name := range []string{key, strings.ToLower(key)} {
		value, err := readSecretFile(m.dir + "/" + name)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("secret %s: %w", key, err)
		}
		if value == "" {
			continue
		}
		m.cache.set(key, value)
		return value, nil
	}
	return "", domain.NewNotFoundError("secret " + key)
}

// GetSecretJSON retrieves a secret and unmarshals it as JSON
func (m *FileManager) GetSecretJSON(ctx context.Context, key string, dest interface{}) error {
	return getJSON(ctx, m, key, dest)
}

// RefreshCache clears the cache (forces reload on next access)
func (m *FileManager) RefreshCache(context.Context) error {
	m.cache.clear()
	return nil
}

func readSecretFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func getJSON(ctx context.Context, m Manager, key string, dest interface{}) error {
	value, err := m.GetSecret(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(value), dest); err != nil {
		return fmt.Errorf("secret %s is not valid JSON: %w", key, err)
	}
	return nil
}
