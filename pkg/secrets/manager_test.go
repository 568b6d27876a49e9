package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jordanlanch/docvault/pkg/domain"
	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSecret(t *testing.T, dir, name, value string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(value), 0o600))
	return path
}

func TestNewManager(t *testing.T) {
	tests := []struct {
		backend string
		want    interface{}
		wantErr bool
	}{
		{backend: "", want: &EnvironmentManager{}},
		{backend: "env", want: &EnvironmentManager{}},
		{backend: "file", want: &FileManager{}},
		{backend: "aws", want: &AWSSecretsManager{}},
		{backend: "vault", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			m, err := NewManager(context.Background(), Config{Backend: tt.backend, AWSRegion: "us-east-1"}, logger.Discard())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, m)
		})
	}
}

func TestEnvironmentManager_GetSecret(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	t.Setenv("DV_TEST_PLAIN", "plain-value")
	t.Setenv("DV_TEST_FROM_FILE_FILE", writeSecret(t, dir, "from_file", "file-value\n"))
	t.Setenv("DV_TEST_MISSING_FILE_FILE", filepath.Join(dir, "nope"))

	m := NewEnvironmentManager(Config{CacheDuration: time.Minute})

	got, err := m.GetSecret(ctx, "DV_TEST_PLAIN")
	require.NoError(t, err)
	assert.Equal(t, "plain-value", got)

	got, err = m.GetSecret(ctx, "DV_TEST_FROM_FILE")
	require.NoError(t, err)
	assert.Equal(t, "file-value", got)

	_, err = m.GetSecret(ctx, "DV_TEST_UNSET")
	assert.True(t, domain.IsNotFound(err))

	_, err = m.GetSecret(ctx, "DV_TEST_MISSING_FILE")
	require.Error(t, err)
	assert.False(t, domain.IsNotFound(err))
}

func TestEnvironmentManager_CacheAndRefresh(t *testing.T) {
	ctx := context.Background()
	t.Setenv("DV_TEST_ROTATED", "v1")

	m := NewEnvironmentManager(Config{CacheDuration: time.Minute})
	got, err := m.GetSecret(ctx, "DV_TEST_ROTATED")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	t.Setenv("DV_TEST_ROTATED", "v2")
	got, _ = m.GetSecret(ctx, "DV_TEST_ROTATED")
	assert.Equal(t, "v1", got)

	require.NoError(t, m.RefreshCache(ctx))
	got, _ = m.GetSecret(ctx, "DV_TEST_ROTATED")
	assert.Equal(t, "v2", got)
}

func TestEnvironmentManager_CacheExpires(t *testing.T) {
	ctx := context.Background()
	t.Setenv("DV_TEST_EXPIRING", "v1")

	m := NewEnvironmentManager(Config{CacheDuration: time.Minute})
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.cache.now = func() time.Time { return now }

	_, err := m.GetSecret(ctx, "DV_TEST_EXPIRING")
	require.NoError(t, err)

	t.Setenv("DV_TEST_EXPIRING", "v2")
	now = now.Add(2 * time.Minute)
	got, err := m.GetSecret(ctx, "DV_TEST_EXPIRING")
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestFileManager_GetSecret(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeSecret(t, dir, "STRIPE_SECRET_KEY", "sk_test_upper")
	writeSecret(t, dir, "jwt_secret", "  jwt-lower  \n")
	writeSecret(t, dir, "EMPTY", "")

	m := NewFileManager(Config{Dir: dir})

	got, err := m.GetSecret(ctx, "STRIPE_SECRET_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk_test_upper", got)

	got, err = m.GetSecret(ctx, "JWT_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "jwt-lower", got)

	_, err = m.GetSecret(ctx, "EMPTY")
	assert.True(t, domain.IsNotFound(err))
}

func TestGetSecretJSON(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeSecret(t, dir, "S3", `{"access_key":"AKIA","secret_key":"shh"}`)
	writeSecret(t, dir, "BROKEN", `{"access_key":`)

	m := NewFileManager(Config{Dir: dir})

	var creds struct {
		AccessKey string `json:"access_key"`
		SecretKey string `json:"secret_key"`
	}
	require.NoError(t, m.GetSecretJSON(ctx, "S3", &creds))
	assert.Equal(t, "AKIA", creds.AccessKey)
	assert.Equal(t, "shh", creds.SecretKey)

	assert.ErrorContains(t, m.GetSecretJSON(ctx, "BROKEN", &creds), "not valid JSON")
}

func TestLoadCommonSecrets(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeSecret(t, dir, "STRIPE_WEBHOOK_SECRET", "whsec_file")
	writeSecret(t, dir, "jwt_secret", "rotated-jwt")

	defaults := CommonSecrets{
		JWTSecret:       "from-env",
		DatabaseURL:     "postgres://localhost/docvault",
		StripeSecretKey: "sk_env",
	}
	got, err := LoadCommonSecrets(ctx, NewFileManager(Config{Dir: dir}), defaults)
	require.NoError(t, err)

	assert.Equal(t, "rotated-jwt", got.JWTSecret)
	assert.Equal(t, "whsec_file", got.StripeWebhookSecret)
	assert.Equal(t, "sk_env", got.StripeSecretKey)
	assert.Equal(t, "postgres://localhost/docvault", got.DatabaseURL)
	assert.Empty(t, got.SendGridAPIKey)
}

func TestLoadStringRequired(t *testing.T) {
	m := NewFileManager(Config{Dir: t.TempDir()})
	_, err := LoadStringRequired(context.Background(), m, "JWT_SECRET")
	assert.ErrorContains(t, err, "required secret JWT_SECRET")
}
