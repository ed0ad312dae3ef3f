package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

const ssmPrefix = "ssm:"

// ParameterGetter is the subset of the SSM client used for secret lookup.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ResolveSecrets replaces secret fields carrying an "ssm:/path" value with the decrypted
// Parameter Store value. The AWS client is only built when at least one field needs it.
func ResolveSecrets(ctx context.Context, cfg *Config) error {
	if !needsSSM(cfg) {
		return nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	return ResolveSecretsWith(ctx, cfg, ssm.NewFromConfig(awsCfg))
}

// ResolveSecretsWith resolves secrets using the given client.
func ResolveSecretsWith(ctx context.Context, cfg *Config, client ParameterGetter) error {
	for name, field := range secretFields(cfg) {
		if !strings.HasPrefix(*field, ssmPrefix) {
			continue
		}
		path := strings.TrimPrefix(*field, ssmPrefix)
		out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(path),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return fmt.Errorf("resolve %s from ssm: %w", name, err)
		}
		if out.Parameter == nil || out.Parameter.Value == nil {
			return fmt.Errorf("resolve %s from ssm: parameter %s has no value", name, path)
		}
		*field = aws.ToString(out.Parameter.Value)
		slog.Info("secret resolved from parameter store", slog.String("field", name), slog.String("component", "config"))
	}
	return nil
}

func needsSSM(cfg *Config) bool {
	for _, f := range secretFields(cfg) {
		if strings.HasPrefix(*f, ssmPrefix) {
			return true
		}
	}
	return false
}

func secretFields(cfg *Config) map[string]*string {
	return map[string]*string{
		"DB_DSN":                 &cfg.DBDsn,
		"ENCRYPTION_KEY":         &cfg.EncryptionKey,
		"STRIPCHAT_JWT":          &cfg.EnvJWT,
		"STRIPCHAT_CF_CLEARANCE": &cfg.EnvCFClearance,
		"SENTRY_DSN":             &cfg.SentryDSN,
		"AUTH_MANAGER_TOKEN":     &cfg.AuthManagerToken,
	}
}
