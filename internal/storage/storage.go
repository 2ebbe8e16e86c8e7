// Package storage builds the configured storage driver and wraps it with metrics and
// tracing.
package storage

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/datamarket/tierstore/internal/circuit"
	"github.com/datamarket/tierstore/internal/config"
	"github.com/datamarket/tierstore/internal/metrics"
	"github.com/datamarket/tierstore/internal/storage/cdn"
	"github.com/datamarket/tierstore/internal/storage/fs"
	"github.com/datamarket/tierstore/internal/storage/s3"
	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/retry"
	"github.com/datamarket/tierstore/pkg/types"
)

// New constructs the backend named by cfg.Storage.Backend. The returned driver records
// every call in collector, which may be nil.
func New(ctx context.Context, cfg config.Configuration, collector *metrics.Collector, logger *slog.Logger) (*InstrumentedDriver, error) {
	if logger == nil {
		logger = slog.Default()
	}

	urls, err := cdn.New(cfg.CDN.Mode, cfg.CDN.BaseURL, cfg.CDN.SigningSecret)
	if err != nil {
		return nil, err
	}

	var driver types.Driver
	switch cfg.Storage.Backend {
	case "fs":
		driver, err = fs.New(fs.Config{
			DataRoot:     cfg.Filesystem.DataRoot,
			PresignTTL:   cfg.Storage.PresignTTL,
			MaxRangeSize: cfg.Storage.MaxRangeSize,
		}, urls, logger)
	case "s3":
		driver, err = newS3(ctx, cfg, urls, logger)
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown storage backend %q", cfg.Storage.Backend).WithComponent("storage")
	}
	if err != nil {
		return nil, err
	}
	if cfg.Storage.CircuitBreaker.Enabled {
		driver = circuit.NewGuard(driver, cfg.Storage.CircuitBreaker, logger)
	}
	return Instrument(driver, collector), nil
}

func newS3(ctx context.Context, cfg config.Configuration, urls *cdn.Builder, logger *slog.Logger) (*s3.Driver, error) {
	creds, err := credentialsProvider(ctx, cfg.S3)
	if err != nil {
		return nil, err
	}

	s3cfg := s3.NewDefaultConfig()
	s3cfg.Endpoint = cfg.S3.Endpoint
	s3cfg.Region = cfg.S3.Region
	s3cfg.UsePathStyle = cfg.S3.UsePathStyle
	s3cfg.Credentials = creds
	s3cfg.ConnectTimeout = cfg.S3.ConnectTimeout
	s3cfg.RequestTimeout = cfg.S3.RequestTimeout
	s3cfg.PresignTTL = cfg.Storage.PresignTTL
	s3cfg.MaxRangeSize = cfg.Storage.MaxRangeSize
	s3cfg.Buckets = make(map[types.Tier]string, len(types.AllTiers))
	s3cfg.StorageClasses = make(map[types.Tier]string, len(types.AllTiers))
	for _, tier := range types.AllTiers {
		s3cfg.Buckets[tier] = cfg.S3.Buckets.ForTier(tier)
		s3cfg.StorageClasses[tier] = cfg.S3.StorageClasses.ForTier(tier)
	}
	s3cfg.Retry = retry.Config{
		MaxAttempts:  cfg.S3.Retry.MaxAttempts,
		InitialDelay: cfg.S3.Retry.BaseDelay,
		MaxDelay:     cfg.S3.Retry.MaxDelay,
		Multiplier:   2,
		Jitter:       true,
	}
	return s3.New(s3cfg, urls, logger)
}

// credentialsProvider returns static keys from the configuration, or the SDK's default
// chain (environment, shared files, instance metadata) for credentials_source "default".
func credentialsProvider(ctx context.Context, cfg config.S3Config) (aws.CredentialsProvider, error) {
	switch cfg.CredentialsSource {
	case "static", "":
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return nil, errors.New(errors.ErrCodeConfigMissing, "static s3 credentials are not configured").WithComponent("storage")
		}
		return credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken), nil
	case "default":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeAuthFailed, "load default aws credential chain").WithComponent("storage")
		}
		if awsCfg.Credentials == nil {
			return nil, errors.New(errors.ErrCodeConfigMissing, "default aws credential chain found no provider").WithComponent("storage")
		}
		return awsCfg.Credentials, nil
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown credentials source %q", cfg.CredentialsSource).WithComponent("storage")
	}
}
