package circuit

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/types"
)

// Guard wraps a driver with one breaker per tier. Only connectivity failures and
// exhausted retries count against a tier; missing objects and validation errors are
// ordinary answers from a working backend.
type Guard struct {
	next     types.Driver
	breakers map[types.Tier]*Breaker
	logger   *slog.Logger
}

// NewGuard wraps next.
func NewGuard(next types.Driver, config Config, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		next:     next,
		breakers: make(map[types.Tier]*Breaker, len(types.AllTiers)),
		logger:   logger.With("component", "circuit", "backend", next.Name()),
	}
	for _, tier := range types.AllTiers {
		g.breakers[tier] = NewBreaker(string(tier), config, g.logChange)
	}
	return g
}

func (g *Guard) logChange(name string, from, to State) {
	g.logger.Warn("circuit state changed", "tier", name, "from", from, "to", to)
}

// Breaker returns the breaker of tier, nil for an unknown tier.
func (g *Guard) Breaker(tier types.Tier) *Breaker {
	return g.breakers[tier]
}

func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	code := errors.CodeOf(err)
	return errors.GetCategory(code) == errors.CategoryConnectivity || code == errors.ErrCodeRetryExhausted
}

// call runs fn under the breaker of each tier it touches.
func (g *Guard) call(op string, hash types.ContentHash, fn func() error, tiers ...types.Tier) error {
	var admitted []*Breaker
	for _, tier := range tiers {
		b, ok := g.breakers[tier]
		if !ok {
			continue
		}
		if !b.Allow() {
			for _, a := range admitted {
				a.release()
			}
			return errors.Newf(errors.ErrCodeBackendUnavailable, "circuit open for tier %s", tier).
				WithComponent("circuit").WithOperation(op).WithObject(string(hash), string(tier))
		}
		admitted = append(admitted, b)
	}
	err := fn()
	for _, b := range admitted {
		b.Record(countsAsFailure(err))
	}
	return err
}

// Name implements types.Driver.
func (g *Guard) Name() string { return g.next.Name() }

// PutObject implements types.Driver.
func (g *Guard) PutObject(ctx context.Context, hash types.ContentHash, body io.Reader, size int64, tier types.Tier, meta *types.StorageMetadata) error {
	return g.call("PutObject", hash, func() error {
		return g.next.PutObject(ctx, hash, body, size, tier, meta)
	}, tier)
}

// GetObject implements types.Driver. Only opening the object is guarded; body read
// errors reach the caller unchanged.
func (g *Guard) GetObject(ctx context.Context, hash types.ContentHash, tier types.Tier, rng *types.ByteRange) (*types.Object, error) {
	var obj *types.Object
	err := g.call("GetObject", hash, func() (err error) {
		obj, err = g.next.GetObject(ctx, hash, tier, rng)
		return err
	}, tier)
	return obj, err
}

// HeadObject implements types.Driver.
func (g *Guard) HeadObject(ctx context.Context, hash types.ContentHash, tier types.Tier) (*types.StorageMetadata, error) {
	var md *types.StorageMetadata
	err := g.call("HeadObject", hash, func() (err error) {
		md, err = g.next.HeadObject(ctx, hash, tier)
		return err
	}, tier)
	return md, err
}

// DeleteObject implements types.Driver.
func (g *Guard) DeleteObject(ctx context.Context, hash types.ContentHash, tier types.Tier) error {
	return g.call("DeleteObject", hash, func() error {
		return g.next.DeleteObject(ctx, hash, tier)
	}, tier)
}

// ObjectExists implements types.Driver.
func (g *Guard) ObjectExists(ctx context.Context, hash types.ContentHash, tier types.Tier) (bool, error) {
	var exists bool
	err := g.call("ObjectExists", hash, func() (err error) {
		exists, err = g.next.ObjectExists(ctx, hash, tier)
		return err
	}, tier)
	return exists, err
}

// PresignedURL implements types.Driver. Signing is local and bypasses the breakers.
func (g *Guard) PresignedURL(ctx context.Context, hash types.ContentHash, tier types.Tier, ttl time.Duration) (*types.PresignedURL, error) {
	return g.next.PresignedURL(ctx, hash, tier, ttl)
}

// MoveObject implements types.Driver.
func (g *Guard) MoveObject(ctx context.Context, hash types.ContentHash, from, to types.Tier) error {
	return g.call("MoveObject", hash, func() error {
		return g.next.MoveObject(ctx, hash, from, to)
	}, from, to)
}

// ListObjects implements types.Driver.
func (g *Guard) ListObjects(ctx context.Context, tier types.Tier, prefix string, maxKeys int) ([]types.StorageObject, error) {
	var objects []types.StorageObject
	err := g.call("ListObjects", "", func() (err error) {
		objects, err = g.next.ListObjects(ctx, tier, prefix, maxKeys)
		return err
	}, tier)
	return objects, err
}

// HealthCheck implements types.Driver. Probes always reach the backend; a tier whose
// breaker is open is reported unhealthy even when its probe succeeds.
func (g *Guard) HealthCheck(ctx context.Context) []types.TierHealth {
	results := g.next.HealthCheck(ctx)
	for i, r := range results {
		b, ok := g.breakers[r.Tier]
		if !ok {
			continue
		}
		if state := b.State(); state == StateOpen && r.Healthy {
			results[i].Healthy = false
			results[i].Error = "circuit open"
		}
	}
	return results
}

var _ types.Driver = (*Guard)(nil)
