// Package fs implements the storage driver on a local directory tree laid out as
// dataRoot/<tier>/<shard>/<hash>, with a JSON metadata sidecar next to each object.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderr "errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/datamarket/tierstore/internal/storage/cdn"
	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/types"
	"github.com/datamarket/tierstore/pkg/utils"
)

const (
	component          = "fs"
	metaSuffix         = ".meta"
	defaultContentType = "application/octet-stream"
)

// Config configures the filesystem driver.
type Config struct {
	DataRoot     string
	PresignTTL   time.Duration
	MaxRangeSize int64
}

// Driver stores objects on the local filesystem.
type Driver struct {
	root   string
	config Config
	cdn    *cdn.Builder
	logger *slog.Logger
}

// New creates the tier directories under cfg.DataRoot. urls may be nil, in which case
// PresignedURL fails with CONFIG_MISSING.
func New(cfg Config, urls *cdn.Builder, logger *slog.Logger) (*Driver, error) {
	if cfg.DataRoot == "" {
		return nil, errors.New(errors.ErrCodeConfigMissing, "data root is required").WithComponent(component)
	}
	if logger == nil {
		logger = slog.Default()
	}
	root, err := filepath.Abs(cfg.DataRoot)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "resolve data root").WithComponent(component)
	}
	for _, tier := range types.AllTiers {
		if err := os.MkdirAll(filepath.Join(root, string(tier)), 0750); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "create tier directory").WithComponent(component)
		}
	}

	d := &Driver{
		root:   root,
		config: cfg,
		cdn:    urls,
		logger: logger.With("component", component),
	}
	d.logger.Info("Filesystem driver initialized", "data_root", root, "cdn", urls.Mode())
	return d, nil
}

// Name implements types.Driver.
func (d *Driver) Name() string { return component }

// PutObject streams body to a temp file in the shard directory, checks the digest against
// hash, then renames the file into place.
func (d *Driver) PutObject(ctx context.Context, hash types.ContentHash, body io.Reader, size int64, tier types.Tier, meta *types.StorageMetadata) error {
	const op = "PutObject"
	path, err := d.objectPath(hash, tier)
	if err != nil {
		return d.opError(err, op, hash, tier)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return d.wrap(err, errors.ErrCodeStorageWrite, op, hash, tier, "create shard directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+string(hash)+".tmp-*")
	if err != nil {
		return d.wrap(err, errors.ErrCodeStorageWrite, op, hash, tier, "create temp file")
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), contextReader{ctx: ctx, r: body})
	if err != nil {
		return d.wrap(err, errors.ErrCodeStorageWrite, op, hash, tier, "write payload")
	}
	if size >= 0 && written != size {
		return errors.Newf(errors.ErrCodeStorageWrite, "short write: got %d bytes, expected %d", written, size).
			WithComponent(component).WithOperation(op).WithObject(string(hash), string(tier))
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != string(hash) {
		return errors.Newf(errors.ErrCodeIntegrityMismatch, "payload digest %s does not match content hash", got).
			WithComponent(component).WithOperation(op).WithObject(string(hash), string(tier))
	}
	if err := tmp.Sync(); err != nil {
		return d.wrap(err, errors.ErrCodeStorageWrite, op, hash, tier, "sync payload")
	}
	if err := tmp.Close(); err != nil {
		return d.wrap(err, errors.ErrCodeStorageWrite, op, hash, tier, "close payload")
	}

	md := types.StorageMetadata{ContentType: defaultContentType}
	if meta != nil {
		md = *meta
		if md.ContentType == "" {
			md.ContentType = defaultContentType
		}
	}
	md.ContentLength = written
	md.Tier = tier
	md.LastModified = time.Now().UTC()
	md.ETag = `"` + string(hash) + `"`
	if err := writeSidecar(path, md); err != nil {
		return d.wrap(err, errors.ErrCodeStorageWrite, op, hash, tier, "write metadata")
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return d.wrap(err, errors.ErrCodeStorageWrite, op, hash, tier, "commit payload")
	}
	committed = true

	d.logger.Debug("Object stored", "hash", hash, "tier", tier, "size", written)
	return nil
}

// GetObject opens the object and returns a reader over the requested range.
func (d *Driver) GetObject(ctx context.Context, hash types.ContentHash, tier types.Tier, rng *types.ByteRange) (*types.Object, error) {
	const op = "GetObject"
	path, err := d.objectPath(hash, tier)
	if err != nil {
		return nil, d.opError(err, op, hash, tier)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, d.wrap(err, errors.ErrCodeStorageRead, op, hash, tier, "open object")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, d.wrap(err, errors.ErrCodeStorageRead, op, hash, tier, "stat object")
	}
	total := info.Size()
	md := d.metadata(path, tier, info)

	obj := &types.Object{
		Body:          f,
		Metadata:      md,
		ContentLength: total,
		TotalSize:     total,
	}
	if rng == nil {
		return obj, nil
	}

	resolved, err := d.resolveRange(*rng, total)
	if err != nil {
		f.Close()
		return nil, d.opError(err, op, hash, tier)
	}
	obj.Body = sectionReadCloser{SectionReader: io.NewSectionReader(f, resolved.Start, resolved.Length()), f: f}
	obj.ContentLength = resolved.Length()
	obj.Range = &resolved
	obj.ContentRange = resolved.ContentRange(total)
	return obj, nil
}

// HeadObject returns metadata without opening the payload.
func (d *Driver) HeadObject(ctx context.Context, hash types.ContentHash, tier types.Tier) (*types.StorageMetadata, error) {
	const op = "HeadObject"
	path, err := d.objectPath(hash, tier)
	if err != nil {
		return nil, d.opError(err, op, hash, tier)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, d.wrap(err, errors.ErrCodeStorageRead, op, hash, tier, "stat object")
	}
	md := d.metadata(path, tier, info)
	return &md, nil
}

// DeleteObject removes the object and its sidecar. Deleting an absent object succeeds.
func (d *Driver) DeleteObject(ctx context.Context, hash types.ContentHash, tier types.Tier) error {
	const op = "DeleteObject"
	path, err := d.objectPath(hash, tier)
	if err != nil {
		return d.opError(err, op, hash, tier)
	}
	if err := os.Remove(path); err != nil && !stderr.Is(err, fs.ErrNotExist) {
		return d.wrap(err, errors.ErrCodeStorageWrite, op, hash, tier, "remove object")
	}
	if err := os.Remove(path + metaSuffix); err != nil && !stderr.Is(err, fs.ErrNotExist) {
		d.logger.Warn("Failed to remove metadata sidecar", "hash", hash, "tier", tier, "error", err)
	}
	return nil
}

// ObjectExists reports whether the object is present. Absence is not an error.
func (d *Driver) ObjectExists(ctx context.Context, hash types.ContentHash, tier types.Tier) (bool, error) {
	const op = "ObjectExists"
	path, err := d.objectPath(hash, tier)
	if err != nil {
		return false, d.opError(err, op, hash, tier)
	}
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case stderr.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, d.wrap(err, errors.ErrCodeStorageRead, op, hash, tier, "stat object")
	}
}

// PresignedURL returns a CDN URL. A filesystem has no protocol to sign.
func (d *Driver) PresignedURL(ctx context.Context, hash types.ContentHash, tier types.Tier, ttl time.Duration) (*types.PresignedURL, error) {
	const op = "PresignedURL"
	if _, err := d.objectPath(hash, tier); err != nil {
		return nil, d.opError(err, op, hash, tier)
	}
	if ttl <= 0 {
		ttl = d.config.PresignTTL
	}
	if !d.cdn.Enabled() {
		return nil, errors.New(errors.ErrCodeConfigMissing, "filesystem backend needs a cdn base url to issue urls").
			WithComponent(component).WithOperation(op).WithObject(string(hash), string(tier))
	}
	u, err := d.cdn.URL(hash, tier, ttl)
	if err != nil {
		return nil, d.opError(err, op, hash, tier)
	}
	return u, nil
}

// MoveObject renames the object into the destination tier, copying when the tiers live on
// different devices.
func (d *Driver) MoveObject(ctx context.Context, hash types.ContentHash, from, to types.Tier) error {
	const op = "MoveObject"
	src, err := d.objectPath(hash, from)
	if err != nil {
		return d.opError(err, op, hash, from)
	}
	dst, err := d.objectPath(hash, to)
	if err != nil {
		return d.opError(err, op, hash, to)
	}
	if from == to {
		return errors.New(errors.ErrCodeInvalidTier, "source and destination tier are the same").
			WithComponent(component).WithOperation(op).WithObject(string(hash), string(from))
	}

	info, err := os.Stat(src)
	if err != nil {
		return d.wrap(err, errors.ErrCodeStorageRead, op, hash, from, "stat source")
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return d.wrap(err, errors.ErrCodeStorageWrite, op, hash, to, "create shard directory")
	}

	md := d.metadata(src, from, info)
	md.Tier = to
	if err := writeSidecar(dst, md); err != nil {
		return d.wrap(err, errors.ErrCodeStorageWrite, op, hash, to, "write metadata")
	}

	if err := os.Rename(src, dst); err != nil {
		if !stderr.Is(err, syscall.EXDEV) {
			return d.wrap(err, errors.ErrCodeStorageWrite, op, hash, to, "rename object")
		}
		if err := copyFile(src, dst); err != nil {
			return d.wrap(err, errors.ErrCodeStorageWrite, op, hash, to, "copy object")
		}
		if err := os.Remove(src); err != nil {
			return d.wrap(err, errors.ErrCodeStorageWrite, op, hash, from, "remove source")
		}
	}
	if err := os.Remove(src + metaSuffix); err != nil && !stderr.Is(err, fs.ErrNotExist) {
		d.logger.Warn("Failed to remove source metadata", "hash", hash, "tier", from, "error", err)
	}

	d.logger.Debug("Object moved", "hash", hash, "from", from, "to", to)
	return nil
}

// ListObjects walks the shard directories of a tier in sorted order.
func (d *Driver) ListObjects(ctx context.Context, tier types.Tier, prefix string, maxKeys int) ([]types.StorageObject, error) {
	const op = "ListObjects"
	if !tier.Valid() {
		return nil, errors.Newf(errors.ErrCodeInvalidTier, "unknown tier %q", tier).WithComponent(component).WithOperation(op)
	}
	prefix = strings.ToLower(prefix)
	tierDir := filepath.Join(d.root, string(tier))

	shards, err := os.ReadDir(tierDir)
	if err != nil {
		if stderr.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, d.wrap(err, errors.ErrCodeStorageRead, op, "", tier, "read tier directory")
	}

	var out []types.StorageObject
	for _, shard := range shards {
		if !shard.IsDir() || !shardMatches(shard.Name(), prefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeOperationCanceled, "listing canceled").WithComponent(component)
		}

		entries, err := os.ReadDir(filepath.Join(tierDir, shard.Name()))
		if err != nil {
			return nil, d.wrap(err, errors.ErrCodeStorageRead, op, "", tier, "read shard directory")
		}
		for _, e := range entries {
			hash := types.ContentHash(e.Name())
			if e.IsDir() || !hash.Valid() || !strings.HasPrefix(string(hash), prefix) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				// Removed between ReadDir and Info.
				continue
			}
			out = append(out, types.StorageObject{
				Hash:         hash,
				Tier:         tier,
				Size:         info.Size(),
				LastModified: info.ModTime().UTC(),
				ETag:         `"` + string(hash) + `"`,
			})
			if maxKeys > 0 && len(out) >= maxKeys {
				return out, nil
			}
		}
	}
	return out, nil
}

// HealthCheck stats each tier directory.
func (d *Driver) HealthCheck(ctx context.Context) []types.TierHealth {
	results := make([]types.TierHealth, 0, len(types.AllTiers))
	for _, tier := range types.AllTiers {
		start := time.Now()
		info, err := os.Stat(filepath.Join(d.root, string(tier)))
		h := types.TierHealth{Tier: tier, LatencyMs: float64(time.Since(start).Microseconds()) / 1000}
		switch {
		case err != nil:
			h.Error = err.Error()
		case !info.IsDir():
			h.Error = "tier path is not a directory"
		default:
			h.Healthy = true
		}
		results = append(results, h)
	}
	return results
}

func (d *Driver) objectPath(hash types.ContentHash, tier types.Tier) (string, error) {
	if !hash.Valid() {
		return "", errors.Newf(errors.ErrCodeInvalidHash, "invalid content hash %q", hash)
	}
	if !tier.Valid() {
		return "", errors.Newf(errors.ErrCodeInvalidTier, "unknown tier %q", tier)
	}
	return utils.SecureJoin(d.root, string(tier), hash.Shard(), string(hash))
}

func (d *Driver) resolveRange(rng types.ByteRange, total int64) (types.ByteRange, error) {
	if limit := d.config.MaxRangeSize; limit > 0 && rng.Exceeds(limit) {
		return rng, errors.Newf(errors.ErrCodeInvalidRange, "range %d-%d exceeds limit of %d bytes", rng.Start, rng.End, limit)
	}
	resolved, err := rng.Resolve(total)
	if err != nil {
		return rng, errors.Wrap(err, errors.ErrCodeInvalidRange, "range not satisfiable")
	}
	return resolved, nil
}

// metadata reads the sidecar, falling back to file attributes when it is missing or damaged.
func (d *Driver) metadata(path string, tier types.Tier, info os.FileInfo) types.StorageMetadata {
	md := types.StorageMetadata{ContentType: defaultContentType, Tier: tier}
	if data, err := os.ReadFile(path + metaSuffix); err == nil {
		if err := json.Unmarshal(data, &md); err != nil {
			d.logger.Warn("Ignoring damaged metadata sidecar", "path", path, "error", err)
		}
	}
	if info != nil {
		md.ContentLength = info.Size()
		if md.LastModified.IsZero() {
			md.LastModified = info.ModTime().UTC()
		}
	}
	md.Tier = tier
	if md.ETag == "" {
		md.ETag = `"` + filepath.Base(path) + `"`
	}
	return md
}

// opError attaches driver context to an error that may already be a StorageError.
func (d *Driver) opError(err error, op string, hash types.ContentHash, tier types.Tier) error {
	var se *errors.StorageError
	if stderr.As(err, &se) {
		if se.Component == "" {
			se.Component = component
		}
		if se.Operation == "" {
			se.Operation = op
		}
		if se.Hash == "" && se.Tier == "" {
			se.WithObject(string(hash), string(tier))
		}
		return se
	}
	return errors.Wrap(err, errors.ErrCodeInternalError, "unexpected error").
		WithComponent(component).WithOperation(op).WithObject(string(hash), string(tier))
}

// wrap maps filesystem errors to storage errors, turning ENOENT into OBJECT_NOT_FOUND.
func (d *Driver) wrap(err error, code errors.ErrorCode, op string, hash types.ContentHash, tier types.Tier, msg string) error {
	if stderr.Is(err, fs.ErrNotExist) {
		code, msg = errors.ErrCodeObjectNotFound, "object not found"
	}
	if stderr.Is(err, context.Canceled) || stderr.Is(err, context.DeadlineExceeded) {
		code = errors.ErrCodeOperationCanceled
	}
	return errors.Wrap(err, code, msg).WithComponent(component).WithOperation(op).WithObject(string(hash), string(tier))
}

func shardMatches(shard, prefix string) bool {
	if len(shard) != 2 {
		return false
	}
	if len(prefix) >= 2 {
		return shard == prefix[:2]
	}
	return strings.HasPrefix(shard, prefix)
}

func writeSidecar(objectPath string, md types.StorageMetadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return err
	}
	tmp := objectPath + metaSuffix + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return err
	}
	return os.Rename(tmp, objectPath+metaSuffix)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

type sectionReadCloser struct {
	*io.SectionReader
	f *os.File
}

func (s sectionReadCloser) Close() error {
	return s.f.Close()
}

// contextReader stops a copy when ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, fmt.Errorf("read aborted: %w", err)
	}
	return c.r.Read(p)
}
