package storagetest

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/types"
)

// Put stores data under its own hash and returns the hash.
func Put(t testing.TB, d types.Driver, tier types.Tier, data []byte) types.ContentHash {
	t.Helper()
	hash := types.HashBytes(data)
	require.NoError(t, d.PutObject(context.Background(), hash, bytes.NewReader(data), int64(len(data)), tier, nil))
	return hash
}

// Read fetches an object (or a range of it) and returns the body bytes.
func Read(t testing.TB, d types.Driver, hash types.ContentHash, tier types.Tier, rng *types.ByteRange) ([]byte, *types.Object) {
	t.Helper()
	obj, err := d.GetObject(context.Background(), hash, tier, rng)
	require.NoError(t, err)
	defer obj.Body.Close()
	data, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	return data, obj
}

// RunDriverSuite exercises the behavior every driver must share.
func RunDriverSuite(t *testing.T, newDriver func(t *testing.T) types.Driver) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		d := newDriver(t)
		for _, payload := range [][]byte{{}, []byte("x"), bytes.Repeat([]byte("tierstore"), 4096)} {
			hash := Put(t, d, types.TierHot, payload)
			got, obj := Read(t, d, hash, types.TierHot, nil)
			assert.Equal(t, payload, got)
			assert.Equal(t, int64(len(payload)), obj.ContentLength)
			assert.Equal(t, int64(len(payload)), obj.TotalSize)
		}
	})

	t.Run("idempotent write", func(t *testing.T) {
		d := newDriver(t)
		payload := []byte("same bytes twice")
		hash := Put(t, d, types.TierWarm, payload)
		assert.Equal(t, hash, Put(t, d, types.TierWarm, payload))

		got, _ := Read(t, d, hash, types.TierWarm, nil)
		assert.Equal(t, payload, got)
		objs, err := d.ListObjects(ctx, types.TierWarm, "", 0)
		require.NoError(t, err)
		assert.Len(t, objs, 1)
	})

	t.Run("range read", func(t *testing.T) {
		d := newDriver(t)
		hash := Put(t, d, types.TierHot, []byte("0123456789ABCDEF"))

		got, obj := Read(t, d, hash, types.TierHot, &types.ByteRange{Start: 5, End: 10})
		assert.Equal(t, "56789A", string(got))
		assert.Equal(t, int64(6), obj.ContentLength)
		assert.Equal(t, int64(16), obj.TotalSize)
		assert.Equal(t, "bytes 5-10/16", obj.ContentRange)

		got, obj = Read(t, d, hash, types.TierHot, &types.ByteRange{Start: 12, End: 40})
		assert.Equal(t, "CDEF", string(got))
		assert.Equal(t, "bytes 12-15/16", obj.ContentRange)

		_, err := d.GetObject(ctx, hash, types.TierHot, &types.ByteRange{Start: 16, End: 20})
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidRange), "got %v", err)
	})

	t.Run("head and exists", func(t *testing.T) {
		d := newDriver(t)
		payload := []byte("metadata please")
		hash := types.HashBytes(payload)
		meta := &types.StorageMetadata{ContentType: "text/plain", CacheControl: "max-age=60"}
		require.NoError(t, d.PutObject(ctx, hash, bytes.NewReader(payload), int64(len(payload)), types.TierCold, meta))

		md, err := d.HeadObject(ctx, hash, types.TierCold)
		require.NoError(t, err)
		assert.Equal(t, "text/plain", md.ContentType)
		assert.Equal(t, int64(len(payload)), md.ContentLength)
		assert.Equal(t, types.TierCold, md.Tier)

		ok, err := d.ObjectExists(ctx, hash, types.TierCold)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = d.ObjectExists(ctx, hash, types.TierHot)
		require.NoError(t, err, "absence is not an error")
		assert.False(t, ok)

		_, err = d.HeadObject(ctx, hash, types.TierHot)
		assert.True(t, errors.IsNotFound(err), "got %v", err)
		_, err = d.GetObject(ctx, hash, types.TierHot, nil)
		assert.True(t, errors.IsNotFound(err), "got %v", err)
	})

	t.Run("move", func(t *testing.T) {
		d := newDriver(t)
		payload := []byte("moving day")
		hash := Put(t, d, types.TierHot, payload)

		require.NoError(t, d.MoveObject(ctx, hash, types.TierHot, types.TierWarm))

		ok, err := d.ObjectExists(ctx, hash, types.TierHot)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = d.ObjectExists(ctx, hash, types.TierWarm)
		require.NoError(t, err)
		assert.True(t, ok)

		got, _ := Read(t, d, hash, types.TierWarm, nil)
		assert.Equal(t, payload, got)

		err = d.MoveObject(ctx, hash, types.TierHot, types.TierCold)
		assert.True(t, errors.IsNotFound(err), "got %v", err)
	})

	t.Run("delete", func(t *testing.T) {
		d := newDriver(t)
		hash := Put(t, d, types.TierHot, []byte("short lived"))
		require.NoError(t, d.DeleteObject(ctx, hash, types.TierHot))
		ok, err := d.ObjectExists(ctx, hash, types.TierHot)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, d.DeleteObject(ctx, hash, types.TierHot), "deleting twice is fine")
	})

	t.Run("list with prefix and limit", func(t *testing.T) {
		d := newDriver(t)
		var hashes []types.ContentHash
		for i := 0; i < 12; i++ {
			hashes = append(hashes, Put(t, d, types.TierHot, []byte{byte(i), 'x'}))
		}
		Put(t, d, types.TierWarm, []byte("other tier"))

		all, err := d.ListObjects(ctx, types.TierHot, "", 0)
		require.NoError(t, err)
		assert.Len(t, all, 12)
		for _, o := range all {
			assert.Equal(t, types.TierHot, o.Tier)
			assert.Equal(t, int64(2), o.Size)
		}

		limited, err := d.ListObjects(ctx, types.TierHot, "", 5)
		require.NoError(t, err)
		assert.Len(t, limited, 5)

		target := hashes[3]
		byPrefix, err := d.ListObjects(ctx, types.TierHot, string(target[:6]), 0)
		require.NoError(t, err)
		require.Len(t, byPrefix, 1)
		assert.Equal(t, target, byPrefix[0].Hash)
	})

	t.Run("health", func(t *testing.T) {
		d := newDriver(t)
		results := d.HealthCheck(ctx)
		require.Len(t, results, 3)
		for i, h := range results {
			assert.Equal(t, types.AllTiers[i], h.Tier)
			assert.True(t, h.Healthy, "tier %s: %s", h.Tier, h.Error)
		}
	})
}
