package ssmkeys

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/wolfeidau/tokenbroker/internal/cipher"
)

// Config for loading the encryption keyring
type Config struct {
	// Inline base64 keys (for local development)
	PrimaryKey   string
	PreviousKeys []string

	// SSM parameter names (for production), SecureString values holding base64 keys
	PrimaryKeySSM   string
	PreviousKeysSSM []string
}

// ParameterGetter is the subset of the SSM client used by the loader.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Load loads the keyring from either SSM or inline values
func Load(ctx context.Context, cfg Config) (*cipher.Keyring, error) {
	// Use SSM if a parameter name is provided
	if cfg.PrimaryKeySSM != "" {
		awsConfig, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return LoadFromSSM(ctx, ssm.NewFromConfig(awsConfig), cfg)
	}

	if cfg.PrimaryKey == "" {
		return nil, fmt.Errorf("an encryption key or SSM parameter is required")
	}

	return cipher.NewKeyringFromBase64(cfg.PrimaryKey, cfg.PreviousKeys...)
}

// LoadFromSSM loads the keyring from AWS SSM Parameter Store
func LoadFromSSM(ctx context.Context, client ParameterGetter, cfg Config) (*cipher.Keyring, error) {
	primary, err := getParameter(ctx, client, cfg.PrimaryKeySSM)
	if err != nil {
		return nil, fmt.Errorf("failed to load primary key from SSM: %w", err)
	}

	previous := make([]string, 0, len(cfg.PreviousKeysSSM))
	for _, name := range cfg.PreviousKeysSSM {
		value, err := getParameter(ctx, client, name)
		if err != nil {
			return nil, fmt.Errorf("failed to load previous key from SSM: %w", err)
		}
		previous = append(previous, value)
	}

	return cipher.NewKeyringFromBase64(primary, previous...)
}

// getParameter fetches a parameter from SSM
func getParameter(ctx context.Context, client ParameterGetter, name string) (string, error) {
	output, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", err
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return strings.TrimSpace(*output.Parameter.Value), nil
}
