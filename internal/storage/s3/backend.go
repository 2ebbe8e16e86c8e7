package s3

import (
	"context"
	"encoding/xml"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/datamarket/tierstore/internal/storage/cdn"
	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/retry"
	"github.com/datamarket/tierstore/pkg/types"
)

const (
	component          = "s3"
	defaultContentType = "application/octet-stream"
	maxListPage        = 1000

	headerStorageClass      = "X-Amz-Storage-Class"
	headerCopySource        = "X-Amz-Copy-Source"
	headerMetadataDirective = "X-Amz-Metadata-Directive"
	headerContentSHA256Meta = "X-Amz-Meta-Sha256"
)

// Driver implements the storage driver over the S3 REST API with one bucket per tier.
type Driver struct {
	config Config
	client *client
	cdn    *cdn.Builder
	stats  *requestStats
	logger *slog.Logger
}

// New validates cfg and builds the driver. urls may be nil; when it is enabled,
// PresignedURL returns CDN URLs instead of SigV4 query-signed ones.
func New(cfg Config, urls *cdn.Builder, logger *slog.Logger) (*Driver, error) {
	endpoint, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", component)

	stats := newRequestStats()
	retryer := retry.New(cfg.Retry).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		logger.Warn("Retrying S3 request", "attempt", attempt, "delay", delay, "error", err)
	})

	d := &Driver{
		config: cfg,
		cdn:    urls,
		stats:  stats,
		logger: logger,
		client: &client{
			endpoint:  endpoint,
			pathStyle: cfg.UsePathStyle,
			signer:    NewSigner(cfg.Region),
			creds:     cfg.Credentials,
			http:      newHTTPClient(cfg),
			retryer:   retryer,
			stats:     stats,
			logger:    logger,
			now:       time.Now,
		},
	}
	logger.Info("S3 driver initialized",
		"endpoint", endpoint.String(),
		"region", cfg.Region,
		"path_style", cfg.UsePathStyle,
		"hot_bucket", cfg.Buckets[types.TierHot],
		"warm_bucket", cfg.Buckets[types.TierWarm],
		"cold_bucket", cfg.Buckets[types.TierCold])
	return d, nil
}

// Name implements types.Driver.
func (d *Driver) Name() string { return component }

// Stats returns request counters since the driver was created.
func (d *Driver) Stats() RequestStats {
	return d.stats.snapshot()
}

// PutObject uploads body after checking its digest against hash. The verified digest
// doubles as the signed payload hash.
func (d *Driver) PutObject(ctx context.Context, hash types.ContentHash, body io.Reader, size int64, tier types.Tier, meta *types.StorageMetadata) error {
	const op = "PutObject"
	bucket, err := d.locate(op, hash, tier)
	if err != nil {
		return err
	}

	p, err := newPayload(body, d.config.MaxBufferedUpload)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "read payload").
			WithComponent(component).WithOperation(op).WithObject(string(hash), string(tier))
	}
	defer p.Close()

	if size >= 0 && p.size != size {
		return errors.Newf(errors.ErrCodeStorageWrite, "short write: got %d bytes, expected %d", p.size, size).
			WithComponent(component).WithOperation(op).WithObject(string(hash), string(tier))
	}
	if p.digest != string(hash) {
		return errors.Newf(errors.ErrCodeIntegrityMismatch, "payload digest %s does not match content hash", p.digest).
			WithComponent(component).WithOperation(op).WithObject(string(hash), string(tier))
	}

	header := http.Header{}
	header.Set("Content-Type", defaultContentType)
	if meta != nil {
		if meta.ContentType != "" {
			header.Set("Content-Type", meta.ContentType)
		}
		if meta.CacheControl != "" {
			header.Set("Cache-Control", meta.CacheControl)
		}
	}
	if class := d.storageClass(tier); class != "" {
		header.Set(headerStorageClass, class)
	}
	header.Set(headerContentSHA256Meta, string(hash))

	resp, err := d.client.do(ctx, op, request{
		method:      http.MethodPut,
		bucket:      bucket,
		key:         hash.Key(),
		header:      header,
		body:        p,
		payloadHash: p.digest,
	})
	if err != nil {
		return annotate(err, hash, tier)
	}
	drain(resp)

	d.stats.uploaded(p.size)
	d.logger.Debug("Object stored", "hash", hash, "tier", tier, "size", p.size)
	return nil
}

// GetObject streams the object, asking the server for rng when given.
func (d *Driver) GetObject(ctx context.Context, hash types.ContentHash, tier types.Tier, rng *types.ByteRange) (*types.Object, error) {
	const op = "GetObject"
	bucket, err := d.locate(op, hash, tier)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if rng != nil {
		if err := d.checkRange(*rng); err != nil {
			return nil, err.WithOperation(op).WithObject(string(hash), string(tier))
		}
		header.Set("Range", rng.HeaderValue())
	}

	resp, err := d.client.do(ctx, op, request{
		method:      http.MethodGet,
		bucket:      bucket,
		key:         hash.Key(),
		header:      header,
		payloadHash: EmptyPayloadHash,
	})
	if err != nil {
		return nil, annotate(err, hash, tier)
	}

	md := metadataFromHeader(resp.Header, tier)
	obj := &types.Object{
		Body:          &countingBody{ReadCloser: resp.Body, stats: d.stats},
		Metadata:      md,
		ContentLength: resp.ContentLength,
		TotalSize:     resp.ContentLength,
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		got, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()
			return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "malformed Content-Range").
				WithComponent(component).WithOperation(op).WithObject(string(hash), string(tier))
		}
		obj.Range = &got
		obj.ContentLength = got.Length()
		obj.TotalSize = total
		obj.ContentRange = got.ContentRange(total)
		obj.Metadata.ContentLength = total

	case rng != nil:
		// The server ignored the Range header; slice the full body locally.
		resolved, err := rng.Resolve(resp.ContentLength)
		if err != nil {
			resp.Body.Close()
			return nil, errors.Wrap(err, errors.ErrCodeInvalidRange, "range not satisfiable").
				WithComponent(component).WithOperation(op).WithObject(string(hash), string(tier))
		}
		if _, err := io.CopyN(io.Discard, resp.Body, resolved.Start); err != nil {
			resp.Body.Close()
			return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "skip to range start").
				WithComponent(component).WithOperation(op).WithObject(string(hash), string(tier))
		}
		obj.Body = limitedBody{Reader: io.LimitReader(obj.Body, resolved.Length()), Closer: obj.Body}
		obj.Range = &resolved
		obj.ContentLength = resolved.Length()
		obj.ContentRange = resolved.ContentRange(resp.ContentLength)
	}
	return obj, nil
}

// HeadObject returns object metadata. HEAD responses carry no body, so errors are
// classified by status alone.
func (d *Driver) HeadObject(ctx context.Context, hash types.ContentHash, tier types.Tier) (*types.StorageMetadata, error) {
	const op = "HeadObject"
	bucket, err := d.locate(op, hash, tier)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.do(ctx, op, request{
		method:      http.MethodHead,
		bucket:      bucket,
		key:         hash.Key(),
		payloadHash: EmptyPayloadHash,
	})
	if err != nil {
		return nil, annotate(err, hash, tier)
	}
	drain(resp)
	md := metadataFromHeader(resp.Header, tier)
	return &md, nil
}

// DeleteObject removes the object. S3 deletes are idempotent, and a NoSuchKey from a
// compatible server is treated the same way.
func (d *Driver) DeleteObject(ctx context.Context, hash types.ContentHash, tier types.Tier) error {
	const op = "DeleteObject"
	bucket, err := d.locate(op, hash, tier)
	if err != nil {
		return err
	}
	resp, err := d.client.do(ctx, op, request{
		method:      http.MethodDelete,
		bucket:      bucket,
		key:         hash.Key(),
		payloadHash: EmptyPayloadHash,
	})
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeObjectNotFound) {
			return nil
		}
		return annotate(err, hash, tier)
	}
	drain(resp)
	return nil
}

// ObjectExists issues a HEAD request. Absence is not an error.
func (d *Driver) ObjectExists(ctx context.Context, hash types.ContentHash, tier types.Tier) (bool, error) {
	_, err := d.HeadObject(ctx, hash, tier)
	switch {
	case err == nil:
		return true, nil
	case errors.IsCode(err, errors.ErrCodeObjectNotFound):
		return false, nil
	default:
		return false, err
	}
}

// PresignedURL returns a CDN URL when one is configured, otherwise a SigV4
// query-signed GET URL. Expiry is clamped to what S3 accepts.
func (d *Driver) PresignedURL(ctx context.Context, hash types.ContentHash, tier types.Tier, ttl time.Duration) (*types.PresignedURL, error) {
	const op = "PresignedURL"
	bucket, err := d.locate(op, hash, tier)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = d.config.PresignTTL
	}

	if d.cdn.Enabled() {
		u, err := d.cdn.URL(hash, tier, ttl)
		if err != nil {
			return nil, annotate(err, hash, tier)
		}
		return u, nil
	}

	creds, err := d.config.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeAuthFailed, "retrieve credentials").
			WithComponent(component).WithOperation(op).WithObject(string(hash), string(tier))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.client.objectURL(bucket, hash.Key()).String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "build request").
			WithComponent(component).WithOperation(op).WithObject(string(hash), string(tier))
	}

	now := d.client.now().UTC()
	expiry := clampExpiry(ttl)
	signed, err := d.client.signer.Presign(req, creds, expiry, now)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSignature, "presign request").
			WithComponent(component).WithOperation(op).WithObject(string(hash), string(tier))
	}
	return &types.PresignedURL{URL: signed, ExpiresAt: now.Add(expiry)}, nil
}

// MoveObject copies the object server-side into the destination tier's bucket with
// that tier's storage class, then deletes the source.
func (d *Driver) MoveObject(ctx context.Context, hash types.ContentHash, from, to types.Tier) error {
	const op = "MoveObject"
	srcBucket, err := d.locate(op, hash, from)
	if err != nil {
		return err
	}
	dstBucket, err := d.locate(op, hash, to)
	if err != nil {
		return err
	}
	if from == to {
		return errors.New(errors.ErrCodeInvalidTier, "source and destination tier are the same").
			WithComponent(component).WithOperation(op).WithObject(string(hash), string(from))
	}

	header := http.Header{}
	header.Set(headerCopySource, "/"+uriEncode(srcBucket)+"/"+encodePath(hash.Key()))
	header.Set(headerMetadataDirective, "COPY")
	if class := d.storageClass(to); class != "" {
		header.Set(headerStorageClass, class)
	}

	resp, err := d.client.do(ctx, op, request{
		method:      http.MethodPut,
		bucket:      dstBucket,
		key:         hash.Key(),
		header:      header,
		payloadHash: EmptyPayloadHash,
	})
	if err != nil {
		return annotate(err, hash, from)
	}
	if err := copyResult(resp, op); err != nil {
		return annotate(err, hash, to)
	}

	if err := d.DeleteObject(ctx, hash, from); err != nil {
		d.logger.Warn("Copied object but failed to delete source", "hash", hash, "from", from, "to", to, "error", err)
		return err
	}
	d.logger.Debug("Object moved", "hash", hash, "from", from, "to", to)
	return nil
}

// ListObjects pages through ListObjectsV2 until maxKeys entries are collected or the
// listing ends.
func (d *Driver) ListObjects(ctx context.Context, tier types.Tier, prefix string, maxKeys int) ([]types.StorageObject, error) {
	const op = "ListObjects"
	if !tier.Valid() {
		return nil, errors.Newf(errors.ErrCodeInvalidTier, "unknown tier %q", tier).WithComponent(component).WithOperation(op)
	}
	bucket := d.config.Buckets[tier]
	prefix = strings.ToLower(prefix)

	var (
		out   []types.StorageObject
		token string
	)
	for {
		pageSize := maxListPage
		if maxKeys > 0 && maxKeys-len(out) < pageSize {
			pageSize = maxKeys - len(out)
		}
		query := url.Values{}
		query.Set("list-type", "2")
		query.Set("max-keys", strconv.Itoa(pageSize))
		if prefix != "" {
			query.Set("prefix", keyPrefix(prefix))
		}
		if token != "" {
			query.Set("continuation-token", token)
		}

		resp, err := d.client.do(ctx, op, request{
			method:      http.MethodGet,
			bucket:      bucket,
			query:       query,
			payloadHash: EmptyPayloadHash,
		})
		if err != nil {
			return nil, annotate(err, "", tier)
		}
		page, err := decodeListPage(resp.Body, tier)
		resp.Body.Close()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "decode listing").
				WithComponent(component).WithOperation(op).WithObject("", string(tier))
		}
		if page.Skipped > 0 {
			d.logger.Debug("Skipped foreign keys in listing", "tier", tier, "count", page.Skipped)
		}

		for _, obj := range page.Objects {
			if !strings.HasPrefix(string(obj.Hash), prefix) {
				continue
			}
			out = append(out, obj)
			if maxKeys > 0 && len(out) >= maxKeys {
				return out, nil
			}
		}
		if page.Complete() {
			return out, nil
		}
		token = page.NextToken
	}
}

// HealthCheck sends HEAD to each tier's bucket.
func (d *Driver) HealthCheck(ctx context.Context) []types.TierHealth {
	results := make([]types.TierHealth, 0, len(types.AllTiers))
	for _, tier := range types.AllTiers {
		start := time.Now()
		resp, err := d.client.do(ctx, "HealthCheck", request{
			method:      http.MethodHead,
			bucket:      d.config.Buckets[tier],
			payloadHash: EmptyPayloadHash,
		})
		h := types.TierHealth{Tier: tier, LatencyMs: float64(time.Since(start).Microseconds()) / 1000}
		if err != nil {
			h.Error = err.Error()
		} else {
			drain(resp)
			h.Healthy = true
		}
		results = append(results, h)
	}
	return results
}

// locate validates hash and tier and returns the tier's bucket.
func (d *Driver) locate(op string, hash types.ContentHash, tier types.Tier) (string, error) {
	if !hash.Valid() {
		return "", errors.Newf(errors.ErrCodeInvalidHash, "invalid content hash %q", hash).
			WithComponent(component).WithOperation(op)
	}
	if !tier.Valid() {
		return "", errors.Newf(errors.ErrCodeInvalidTier, "unknown tier %q", tier).
			WithComponent(component).WithOperation(op).WithObject(string(hash), "")
	}
	return d.config.Buckets[tier], nil
}

func (d *Driver) checkRange(rng types.ByteRange) *errors.StorageError {
	if rng.Start < 0 || rng.End < rng.Start {
		return errors.Newf(errors.ErrCodeInvalidRange, "invalid range %d-%d", rng.Start, rng.End).WithComponent(component)
	}
	if limit := d.config.MaxRangeSize; limit > 0 && rng.Exceeds(limit) {
		return errors.Newf(errors.ErrCodeInvalidRange, "range %d-%d exceeds limit of %d bytes", rng.Start, rng.End, limit).WithComponent(component)
	}
	return nil
}

// annotate fills in the object on errors returned by the client.
func annotate(err error, hash types.ContentHash, tier types.Tier) error {
	var se *errors.StorageError
	if stderr.As(err, &se) && se.Hash == "" && se.Tier == "" {
		se.WithObject(string(hash), string(tier))
	}
	return err
}

// copyResult inspects a CopyObject response. S3 can answer 200 and still report a
// failure in the body.
func copyResult(resp *http.Response, op string) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "read copy result").WithComponent(component).WithOperation(op)
	}
	if !strings.Contains(string(data), "<Error>") {
		return nil
	}
	var body errorResponse
	if err := xml.Unmarshal(data, &body); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "copy failed with unreadable error").WithComponent(component).WithOperation(op)
	}
	e := classify(http.StatusInternalServerError, body, op)
	if e.Code == errors.ErrCodeInternalError {
		e.Code = errors.ErrCodeStorageWrite
		e.Category = errors.GetCategory(e.Code)
	}
	return e
}

func metadataFromHeader(h http.Header, tier types.Tier) types.StorageMetadata {
	md := types.StorageMetadata{
		ContentType:  h.Get("Content-Type"),
		CacheControl: h.Get("Cache-Control"),
		Tier:         tier,
		ETag:         h.Get("ETag"),
	}
	if md.ContentType == "" {
		md.ContentType = defaultContentType
	}
	if n, err := strconv.ParseInt(h.Get("Content-Length"), 10, 64); err == nil {
		md.ContentLength = n
	}
	if t, err := http.ParseTime(h.Get("Last-Modified")); err == nil {
		md.LastModified = t.UTC()
	}
	return md
}

// parseContentRange parses "bytes start-end/total".
func parseContentRange(v string) (types.ByteRange, int64, error) {
	var rng types.ByteRange
	var total int64
	if _, err := fmt.Sscanf(v, "bytes %d-%d/%d", &rng.Start, &rng.End, &total); err != nil {
		return rng, 0, fmt.Errorf("parse %q: %w", v, err)
	}
	if rng.End < rng.Start || rng.End >= total {
		return rng, 0, fmt.Errorf("inconsistent content range %q", v)
	}
	return rng, total, nil
}

// encodePath encodes each segment of a key, keeping the separators.
func encodePath(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = uriEncode(s)
	}
	return strings.Join(segments, "/")
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}

// countingBody records downloaded bytes as the caller reads.
type countingBody struct {
	io.ReadCloser
	stats *requestStats
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.stats.downloaded(int64(n))
	}
	return n, err
}

type limitedBody struct {
	io.Reader
	io.Closer
}
