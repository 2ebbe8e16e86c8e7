package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
)

// ContentHash is the hex-encoded SHA-256 digest identifying a payload.
type ContentHash string

// ContentHashLength is the length of a hex-encoded SHA-256 digest.
const ContentHashLength = 64

// ParseContentHash validates s and returns it as a lower-case ContentHash.
func ParseContentHash(s string) (ContentHash, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != ContentHashLength {
		return "", fmt.Errorf("content hash must be %d hex characters, got %d", ContentHashLength, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("content hash is not hex: %w", err)
	}
	return ContentHash(s), nil
}

// HashBytes returns the content hash of data.
func HashBytes(data []byte) ContentHash {
	sum := sha256.Sum256(data)
	return ContentHash(hex.EncodeToString(sum[:]))
}

// Valid reports whether h is a well-formed lower-case digest.
func (h ContentHash) Valid() bool {
	if len(h) != ContentHashLength {
		return false
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Shard returns the two-character shard prefix of the hash.
func (h ContentHash) Shard() string {
	if len(h) < 2 {
		return string(h)
	}
	return string(h[:2])
}

// Key returns the storage key "shard/hash".
func (h ContentHash) Key() string {
	return h.Shard() + "/" + string(h)
}

func (h ContentHash) String() string {
	return string(h)
}

// Tier is a storage class with a distinct cost and latency profile.
type Tier string

// Storage tier constants
const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// AllTiers lists tiers from hottest to coldest. Tier probing follows this order.
var AllTiers = []Tier{TierHot, TierWarm, TierCold}

// ParseTier converts a string to a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q (expected hot, warm or cold)", s)
	}
	return t, nil
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierHot, TierWarm, TierCold:
		return true
	}
	return false
}

func (t Tier) String() string {
	return string(t)
}

// StorageObject is a listing entry produced by ListObjects.
type StorageObject struct {
	Hash         ContentHash `json:"content_hash"`
	Tier         Tier        `json:"tier"`
	Size         int64       `json:"size"`
	LastModified time.Time   `json:"last_modified"`
	ETag         string      `json:"etag,omitempty"`
}

// StorageMetadata is attached to an object at write time.
type StorageMetadata struct {
	ContentType   string    `json:"content_type,omitempty"`
	ContentLength int64     `json:"content_length"`
	CacheControl  string    `json:"cache_control,omitempty"`
	Tier          Tier      `json:"tier"`
	LastModified  time.Time `json:"last_modified,omitempty"`
	ETag          string    `json:"etag,omitempty"`
}

// PresignedURL is a time-limited access URL.
type PresignedURL struct {
	URL       string            `json:"url"`
	ExpiresAt time.Time         `json:"expires_at"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// ByteRange is an inclusive byte range [Start, End].
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Length returns the number of bytes covered by the range.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// Exceeds reports whether a well-formed range spans more than limit bytes. It does not
// compute Length, which overflows for End near math.MaxInt64.
func (r ByteRange) Exceeds(limit int64) bool {
	if r.Start < 0 || r.End < r.Start {
		return false
	}
	return r.End-r.Start >= limit
}

// Resolve validates the range against an object of the given total size and clamps End to the
// last byte. A range starting at or beyond the end of the object is rejected.
func (r ByteRange) Resolve(total int64) (ByteRange, error) {
	if r.Start < 0 || r.End < r.Start {
		return r, fmt.Errorf("invalid range %d-%d", r.Start, r.End)
	}
	if r.Start >= total {
		return r, fmt.Errorf("range start %d beyond object size %d", r.Start, total)
	}
	if r.End >= total {
		r.End = total - 1
	}
	return r, nil
}

// ContentRange formats the range as an HTTP Content-Range value.
func (r ByteRange) ContentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}

// HeaderValue formats the range as an HTTP Range request value.
func (r ByteRange) HeaderValue() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Object is a readable payload returned by GetObject. Callers must close Body.
type Object struct {
	Body          io.ReadCloser
	Metadata      StorageMetadata
	ContentLength int64
	TotalSize     int64
	Range         *ByteRange
	ContentRange  string
}

// TierHealth is the result of a single health probe against one tier.
type TierHealth struct {
	Tier      Tier    `json:"tier"`
	Healthy   bool    `json:"healthy"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}
