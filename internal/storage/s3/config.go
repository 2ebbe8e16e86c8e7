package s3

import (
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/retry"
	"github.com/datamarket/tierstore/pkg/types"
)

// Config represents S3 driver configuration
type Config struct {
	Endpoint       string
	Region         string
	Buckets        map[types.Tier]string
	StorageClasses map[types.Tier]string
	UsePathStyle   bool
	Credentials    aws.CredentialsProvider

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Retry          retry.Config

	PresignTTL   time.Duration
	MaxRangeSize int64

	// MaxBufferedUpload is the largest non-seekable body hashed in memory. Larger bodies
	// are spooled to a temporary file.
	MaxBufferedUpload int64

	// HTTPClient replaces the default instrumented client.
	HTTPClient *http.Client
}

// NewDefaultConfig returns a configuration with default values; endpoint, buckets and
// credentials still have to be set.
func NewDefaultConfig() Config {
	return Config{
		Region:            "us-east-1",
		UsePathStyle:      true,
		ConnectTimeout:    10 * time.Second,
		RequestTimeout:    60 * time.Second,
		Retry:             retry.DefaultConfig(),
		PresignTTL:        time.Hour,
		MaxRangeSize:      100 << 20,
		MaxBufferedUpload: 8 << 20,
	}
}

func (c Config) validate() (*url.URL, error) {
	if c.Endpoint == "" {
		return nil, errors.New(errors.ErrCodeConfigMissing, "s3 endpoint is required").WithComponent(component)
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "invalid s3 endpoint %q", c.Endpoint).WithComponent(component)
	}
	if c.Region == "" {
		return nil, errors.New(errors.ErrCodeConfigMissing, "s3 region is required").WithComponent(component)
	}
	if c.Credentials == nil {
		return nil, errors.New(errors.ErrCodeConfigMissing, "s3 credentials are required").WithComponent(component)
	}

	seen := make(map[string]types.Tier)
	for _, tier := range types.AllTiers {
		bucket := c.Buckets[tier]
		if bucket == "" {
			return nil, errors.Newf(errors.ErrCodeConfigMissing, "no bucket configured for tier %s", tier).WithComponent(component)
		}
		if other, dup := seen[bucket]; dup {
			return nil, errors.Newf(errors.ErrCodeInvalidConfig, "tiers %s and %s share bucket %q", other, tier, bucket).WithComponent(component)
		}
		seen[bucket] = tier
	}
	return u, nil
}
