package secrets

import (
	"context"
	"fmt"

	"github.com/jordanlanch/docvault/pkg/domain"
)

// LoadString loads a secret, returning fallback when it is not set.
func LoadString(ctx context.Context, m Manager, key, fallback string) (string, error) {
	value, err := m.GetSecret(ctx, key)
	if err != nil {
		if domain.IsNotFound(err) {
			return fallback, nil
		}
		return "", err
	}
	return value, nil
}

// LoadStringRequired loads a required secret (fails if not found)
func LoadStringRequired(ctx context.Context, m Manager, key string) (string, error) {
	value, err := m.GetSecret(ctx, key)
	if err != nil {
		return "", fmt.Errorf("required secret %s: %w", key, err)
	}
	return value, nil
}

// CommonSecrets holds the credentials the API needs at startup.
type CommonSecrets struct {
	JWTSecret           string
	DatabaseURL         string
	StripeSecretKey     string
	StripeWebhookSecret string
	SendGridAPIKey      string
	RedisURL            string
	S3SecretKey         string
}

// LoadCommonSecrets resolves every common secret. Unset keys keep the
// matching field of defaults.
func LoadCommonSecrets(ctx context.Context, m Manager, defaults CommonSecrets) (*CommonSecrets, error) {
	out := defaults
	fields := []struct {
		key string
		dst *string
	}{
		{"JWT_SECRET", &out.JWTSecret},
		{"DATABASE_URL", &out.DatabaseURL},
		{"STRIPE_SECRET_KEY", &out.StripeSecretKey},
		{"STRIPE_WEBHOOK_SECRET", &out.StripeWebhookSecret},
		{"SENDGRID_API_KEY", &out.SendGridAPIKey},
		{"REDIS_URL", &out.RedisURL},
		{"S3_SECRET_KEY", &out.S3SecretKey},
	}
	for _, f := range fields {
		value, err := LoadString(ctx, m, f.key, *f.dst)
		if err != nil {
			return nil, err
		}
		*f.dst = value
	}
	return &out, nil
}
