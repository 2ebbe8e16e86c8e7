package types

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContentHash(t *testing.T) {
	valid := strings.Repeat("ab", 32)

	tests := []struct {
		name    string
		input   string
		want    ContentHash
		wantErr bool
	}{
		{"lower case", valid, ContentHash(valid), false},
		{"upper case normalised", strings.ToUpper(valid), ContentHash(valid), false},
		{"too short", "abcd", "", true},
		{"not hex", strings.Repeat("zz", 32), "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseContentHash(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Valid())
		})
	}
}

func TestContentHashKey(t *testing.T) {
	h := HashBytes([]byte("hello"))
	assert.Equal(t, ContentHash("2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"), h)
	assert.Equal(t, "2c", h.Shard())
	assert.Equal(t, "2c/"+string(h), h.Key())

	// Same bytes always hash identically.
	assert.Equal(t, h, HashBytes([]byte("hello")))
	assert.NotEqual(t, h, HashBytes([]byte("hello!")))
}

func TestParseTier(t *testing.T) {
	for _, tier := range AllTiers {
		got, err := ParseTier(strings.ToUpper(string(tier)))
		require.NoError(t, err)
		assert.Equal(t, tier, got)
	}

	_, err := ParseTier("glacier")
	assert.Error(t, err)
	assert.Equal(t, []Tier{TierHot, TierWarm, TierCold}, AllTiers)
}

func TestByteRangeResolve(t *testing.T) {
	tests := []struct {
		name    string
		rng     ByteRange
		total   int64
		want    ByteRange
		wantErr bool
	}{
		{"inside", ByteRange{5, 10}, 16, ByteRange{5, 10}, false},
		{"end clamped", ByteRange{10, 100}, 16, ByteRange{10, 15}, false},
		{"single byte", ByteRange{0, 0}, 1, ByteRange{0, 0}, false},
		{"start beyond size", ByteRange{16, 20}, 16, ByteRange{}, true},
		{"negative start", ByteRange{-1, 3}, 16, ByteRange{}, true},
		{"end before start", ByteRange{8, 2}, 16, ByteRange{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.rng.Resolve(tt.total)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestByteRangeExceeds(t *testing.T) {
	assert.False(t, ByteRange{0, 3}.Exceeds(4))
	assert.True(t, ByteRange{0, 4}.Exceeds(4))
	assert.True(t, ByteRange{0, math.MaxInt64}.Exceeds(1<<20), "no overflow at the top of the range")
	assert.True(t, ByteRange{1, math.MaxInt64}.Exceeds(math.MaxInt64-1))
	assert.False(t, ByteRange{8, 2}.Exceeds(1), "malformed ranges are left to Resolve")
}

func TestByteRangeFormatting(t *testing.T) {
	r := ByteRange{Start: 5, End: 10}
	assert.Equal(t, int64(6), r.Length())
	assert.Equal(t, "bytes 5-10/16", r.ContentRange(16))
	assert.Equal(t, "bytes=5-10", r.HeaderValue())
}
