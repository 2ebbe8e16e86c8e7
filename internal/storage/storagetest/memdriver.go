// Package storagetest provides an in-memory driver and a conformance suite for driver
// implementations.
package storagetest

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/types"
)

type memObject struct {
	data []byte
	meta types.StorageMetadata
}

// MemDriver is a thread-safe in-memory types.Driver that counts calls per operation.
// It stores whatever bytes it is given, so tests can plant corrupted copies.
type MemDriver struct {
	name string

	mu      sync.Mutex
	objects map[types.Tier]map[types.ContentHash]memObject
	calls   map[string]int

	// FailPut, FailGet and FailMove make the matching operation fail for a hash.
	FailPut  map[types.ContentHash]error
	FailGet  map[types.ContentHash]error
	FailMove map[types.ContentHash]error

	// OnPut runs after every successful PutObject.
	OnPut func(hash types.ContentHash, tier types.Tier)
}

// NewMemDriver returns an empty driver.
func NewMemDriver(name string) *MemDriver {
	m := &MemDriver{
		name:     name,
		objects:  make(map[types.Tier]map[types.ContentHash]memObject),
		calls:    make(map[string]int),
		FailPut:  make(map[types.ContentHash]error),
		FailGet:  make(map[types.ContentHash]error),
		FailMove: make(map[types.ContentHash]error),
	}
	for _, tier := range types.AllTiers {
		m.objects[tier] = make(map[types.ContentHash]memObject)
	}
	return m
}

// Name implements types.Driver.
func (m *MemDriver) Name() string { return m.name }

// Calls returns how many times op was invoked.
func (m *MemDriver) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// ResetCalls clears the call counters.
func (m *MemDriver) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make(map[string]int)
}

// Plant stores data under hash without verifying it.
func (m *MemDriver) Plant(hash types.ContentHash, tier types.Tier, data []byte, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[tier][hash] = memObject{
		data: append([]byte(nil), data...),
		meta: types.StorageMetadata{
			ContentType:   "application/octet-stream",
			ContentLength: int64(len(data)),
			Tier:          tier,
			LastModified:  modified,
			ETag:          `"` + string(hash) + `"`,
		},
	}
}

// Bytes returns a copy of the stored payload.
func (m *MemDriver) Bytes(hash types.ContentHash, tier types.Tier) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[tier][hash]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Count returns the number of objects in tier.
func (m *MemDriver) Count(tier types.Tier) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects[tier])
}

func (m *MemDriver) record(op string) {
	m.mu.Lock()
	m.calls[op]++
	m.mu.Unlock()
}

func notFound(op string, hash types.ContentHash, tier types.Tier) error {
	return errors.New(errors.ErrCodeObjectNotFound, "object not found").
		WithComponent("mem").WithOperation(op).WithObject(string(hash), string(tier))
}

func (m *MemDriver) PutObject(ctx context.Context, hash types.ContentHash, body io.Reader, size int64, tier types.Tier, meta *types.StorageMetadata) error {
	m.record("PutObject")
	if err := m.FailPut[hash]; err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "read payload")
	}
	m.Plant(hash, tier, data, time.Now().UTC())
	if meta != nil && meta.ContentType != "" {
		m.mu.Lock()
		obj := m.objects[tier][hash]
		obj.meta.ContentType = meta.ContentType
		obj.meta.CacheControl = meta.CacheControl
		m.objects[tier][hash] = obj
		m.mu.Unlock()
	}
	if m.OnPut != nil {
		m.OnPut(hash, tier)
	}
	return nil
}

func (m *MemDriver) GetObject(ctx context.Context, hash types.ContentHash, tier types.Tier, rng *types.ByteRange) (*types.Object, error) {
	m.record("GetObject")
	if err := m.FailGet[hash]; err != nil {
		return nil, err
	}
	m.mu.Lock()
	obj, ok := m.objects[tier][hash]
	m.mu.Unlock()
	if !ok {
		return nil, notFound("GetObject", hash, tier)
	}

	total := int64(len(obj.data))
	out := &types.Object{Metadata: obj.meta, ContentLength: total, TotalSize: total}
	data := obj.data
	if rng != nil {
		r, err := rng.Resolve(total)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidRange, "range not satisfiable")
		}
		data = data[r.Start : r.End+1]
		out.Range = &r
		out.ContentLength = r.Length()
		out.ContentRange = r.ContentRange(total)
	}
	out.Body = io.NopCloser(bytes.NewReader(data))
	return out, nil
}

func (m *MemDriver) HeadObject(ctx context.Context, hash types.ContentHash, tier types.Tier) (*types.StorageMetadata, error) {
	m.record("HeadObject")
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[tier][hash]
	if !ok {
		return nil, notFound("HeadObject", hash, tier)
	}
	md := obj.meta
	return &md, nil
}

func (m *MemDriver) DeleteObject(ctx context.Context, hash types.ContentHash, tier types.Tier) error {
	m.record("DeleteObject")
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects[tier], hash)
	return nil
}

func (m *MemDriver) ObjectExists(ctx context.Context, hash types.ContentHash, tier types.Tier) (bool, error) {
	m.record("ObjectExists")
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[tier][hash]
	return ok, nil
}

func (m *MemDriver) PresignedURL(ctx context.Context, hash types.ContentHash, tier types.Tier, ttl time.Duration) (*types.PresignedURL, error) {
	m.record("PresignedURL")
	return &types.PresignedURL{
		URL:       "mem://" + string(tier) + "/" + hash.Key(),
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

func (m *MemDriver) MoveObject(ctx context.Context, hash types.ContentHash, from, to types.Tier) error {
	m.record("MoveObject")
	if err := m.FailMove[hash]; err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[from][hash]
	if !ok {
		return notFound("MoveObject", hash, from)
	}
	obj.meta.Tier = to
	m.objects[to][hash] = obj
	delete(m.objects[from], hash)
	return nil
}

func (m *MemDriver) ListObjects(ctx context.Context, tier types.Tier, prefix string, maxKeys int) ([]types.StorageObject, error) {
	m.record("ListObjects")
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.StorageObject
	for hash, obj := range m.objects[tier] {
		if !strings.HasPrefix(string(hash), prefix) {
			continue
		}
		out = append(out, types.StorageObject{
			Hash:         hash,
			Tier:         tier,
			Size:         int64(len(obj.data)),
			LastModified: obj.meta.LastModified,
			ETag:         obj.meta.ETag,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	if maxKeys > 0 && len(out) > maxKeys {
		out = out[:maxKeys]
	}
	return out, nil
}

func (m *MemDriver) HealthCheck(ctx context.Context) []types.TierHealth {
	m.record("HealthCheck")
	out := make([]types.TierHealth, 0, len(types.AllTiers))
	for _, tier := range types.AllTiers {
		out = append(out, types.TierHealth{Tier: tier, Healthy: true})
	}
	return out
}

var _ types.Driver = (*MemDriver)(nil)
