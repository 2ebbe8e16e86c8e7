package s3

import (
	"context"
	stderr "errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/retry"
)

// request describes one S3 REST call.
type request struct {
	method      string
	bucket      string
	key         string
	query       url.Values
	header      http.Header
	body        *payload
	payloadHash string
}

// client sends signed requests with retries for transient failures.
type client struct {
	endpoint  *url.URL
	pathStyle bool
	signer    *Signer
	creds     aws.CredentialsProvider
	http      *http.Client
	retryer   *retry.Retryer
	stats     *requestStats
	logger    *slog.Logger
	now       func() time.Time
}

func newHTTPClient(cfg Config) *http.Client {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ExpectContinueTimeout: time.Second,
	}
	// No overall client timeout: downloads stream for as long as the caller reads.
	return &http.Client{Transport: otelhttp.NewTransport(base)}
}

// objectURL builds the path-style or virtual-hosted URL for bucket and key.
func (c *client) objectURL(bucket, key string) *url.URL {
	u := *c.endpoint
	base := strings.TrimRight(u.Path, "/")
	if c.pathStyle {
		u.Path = base + "/" + bucket
		if key != "" {
			u.Path += "/" + key
		}
	} else {
		u.Host = bucket + "." + u.Host
		u.Path = base + "/" + key
	}
	u.RawPath = ""
	u.RawQuery = ""
	return &u
}

// do signs and sends r, retrying retryable failures. Any non-2xx status becomes a
// StorageError; on success the caller owns the response body.
func (c *client) do(ctx context.Context, op string, r request) (*http.Response, error) {
	var resp *http.Response
	attempt := 0

	err := c.retryer.Do(ctx, func(ctx context.Context) error {
		attempt++
		start := time.Now()

		creds, err := c.creds.Retrieve(ctx)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeAuthFailed, "retrieve credentials").WithComponent(component).WithOperation(op)
		}

		req, err := c.newRequest(ctx, r)
		if err != nil {
			return err
		}
		if err := c.signer.Sign(req, creds, r.payloadHash, c.now()); err != nil {
			return errors.Wrap(err, errors.ErrCodeSignature, "sign request").WithComponent(component).WithOperation(op)
		}

		res, err := c.http.Do(req)
		if err != nil {
			c.stats.attempt(op, attempt, time.Since(start), true)
			return transportError(ctx, err, op)
		}
		if res.StatusCode < 200 || res.StatusCode > 299 {
			defer res.Body.Close()
			c.stats.attempt(op, attempt, time.Since(start), true)
			serr := responseError(res, op)
			c.logger.Debug("S3 request failed",
				"operation", op, "status", res.StatusCode, "attempt", attempt, "error", serr.Message)
			return serr
		}

		c.stats.attempt(op, attempt, time.Since(start), false)
		resp = res
		return nil
	})
	if err != nil {
		c.stats.failed(err)
		return nil, err
	}
	return resp, nil
}

func (c *client) newRequest(ctx context.Context, r request) (*http.Request, error) {
	u := c.objectURL(r.bucket, r.key)
	if len(r.query) > 0 {
		u.RawQuery = r.query.Encode()
	}

	var body io.Reader = http.NoBody
	var length int64
	if r.body != nil && r.body.size > 0 {
		if err := r.body.rewind(); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "rewind request body").WithComponent(component)
		}
		body = io.NopCloser(r.body.reader())
		length = r.body.size
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "build request").WithComponent(component)
	}
	req.ContentLength = length
	for name, values := range r.header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	return req, nil
}

// transportError classifies a failure to get any response at all.
func transportError(ctx context.Context, err error, op string) error {
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "request canceled").WithComponent(component).WithOperation(op)
	}
	var netErr net.Error
	if stderr.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(err, errors.ErrCodeConnectionTimeout, "request timed out").WithComponent(component).WithOperation(op)
	}
	return errors.Wrap(err, errors.ErrCodeConnectivity, "request failed").WithComponent(component).WithOperation(op)
}
