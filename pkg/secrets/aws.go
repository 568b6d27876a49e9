package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/jordanlanch/docvault/pkg/domain"
	"github.com/jordanlanch/docvault/pkg/logger"
)

// secretsManagerAPI is the subset of the Secrets Manager client the manager calls
type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManager loads secrets from AWS Secrets Manager. The secret id
// is Prefix followed by the key.
type AWSSecretsManager struct {
	client secretsManagerAPI
	prefix string
	cache  *secretCache
	log    logger.Logger
}

// NewAWSSecretsManager creates a Secrets Manager client using the default
// credential chain.
func NewAWSSecretsManager(ctx context.Context, cfg Config, log logger.Logger) (*AWSSecretsManager, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if cfg.AWSEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
		}
	})
	log.Info("AWS Secrets Manager initialized", "region", cfg.AWSRegion, "cache_duration", cfg.CacheDuration.String())

	return newAWSSecretsManager(client, cfg, log), nil
}

func newAWSSecretsManager(client secretsManagerAPI, cfg Config, log logger.Logger) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: client,
		prefix: cfg.Prefix,
		cache:  newSecretCache(cfg.CacheDuration),
		log:    log,
	}
}

// GetSecret retrieves a secret from AWS Secrets Manager
func (m *AWSSecretsManager) GetSecret(ctx context.Context, key string) (string, error) {
	if value, ok := m.cache.get(key); ok {
		return value, nil
	}

	id := m.prefix + key
	out, err := m.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", domain.NewNotFoundError("secret " + key)
		}
		return "", fmt.Errorf("failed to get secret %s: %w", id, err)
	}

	var value string
	switch {
	case out.SecretString != nil:
		value = *out.SecretString
	case len(out.SecretBinary) > 0:
		value = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("secret %s has no value", id)
	}

	m.cache.set(key, value)
	m.log.Debug("loaded secret from AWS Secrets Manager", "key", key)
	return value, nil
}

// GetSecretJSON retrieves a secret and unmarshals it as JSON
func (m *AWSSecretsManager) GetSecretJSON(ctx context.Context, key string, dest interface{}) error {
	return getJSON(ctx, m, key, dest)
}

// RefreshCache clears the cache (forces reload on next access)
func (m *AWSSecretsManager) RefreshCache(context.Context) error {
	m.cache.clear()
	m.log.Info("AWS Secrets Manager cache cleared")
	return nil
}
