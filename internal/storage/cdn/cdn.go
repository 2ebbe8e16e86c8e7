// Package cdn builds download URLs served through a content delivery network.
package cdn

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/types"
)

// Mode selects how CDN URLs are issued.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeDirect Mode = "direct"
	ModeSigned Mode = "signed"
)

// Builder issues CDN URLs of the form <base>/<tier>/<shard>/<hash>.
// In signed mode the URL carries expires and sig query parameters.
type Builder struct {
	mode   Mode
	base   *url.URL
	secret []byte
	now    func() time.Time
}

// New validates the CDN settings. Mode "" is treated as off.
func New(mode, baseURL, secret string) (*Builder, error) {
	m := Mode(strings.ToLower(mode))
	if m == "" {
		m = ModeOff
	}
	b := &Builder{mode: m, secret: []byte(secret), now: time.Now}

	switch m {
	case ModeOff:
		return b, nil
	case ModeDirect, ModeSigned:
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown cdn mode %q", mode)
	}

	if baseURL == "" {
		return nil, errors.Newf(errors.ErrCodeConfigMissing, "cdn mode %s requires a base url", m)
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "invalid cdn base url %q", baseURL)
	}
	if m == ModeSigned && len(b.secret) == 0 {
		return nil, errors.New(errors.ErrCodeConfigMissing, "cdn mode signed requires a signing secret")
	}
	b.base = u
	return b, nil
}

// Enabled reports whether URLs should be issued through the CDN.
func (b *Builder) Enabled() bool {
	return b != nil && b.mode != ModeOff
}

// Mode returns the configured mode.
func (b *Builder) Mode() Mode {
	if b == nil {
		return ModeOff
	}
	return b.mode
}

// URL returns the CDN URL for an object valid for ttl.
func (b *Builder) URL(hash types.ContentHash, tier types.Tier, ttl time.Duration) (*types.PresignedURL, error) {
	if !b.Enabled() {
		return nil, errors.New(errors.ErrCodeConfigMissing, "no cdn base url configured")
	}

	expiresAt := b.now().Add(ttl).UTC().Truncate(time.Second)
	p := objectPath(hash, tier)
	u := *b.base
	u.Path = b.base.Path + p

	if b.mode == ModeSigned {
		q := url.Values{}
		exp := strconv.FormatInt(expiresAt.Unix(), 10)
		q.Set("expires", exp)
		q.Set("sig", b.sign(p, exp))
		u.RawQuery = q.Encode()
	}

	return &types.PresignedURL{URL: u.String(), ExpiresAt: expiresAt}, nil
}

// Verify checks a signed-mode path, expiry and signature as an edge worker would.
func (b *Builder) Verify(path, expires, sig string) bool {
	if b.mode != ModeSigned {
		return false
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || b.now().Unix() > exp {
		return false
	}
	want := b.sign(path, expires)
	return hmac.Equal([]byte(want), []byte(sig))
}

func (b *Builder) sign(path, expires string) string {
	mac := hmac.New(sha256.New, b.secret)
	fmt.Fprintf(mac, "%s\n%s", path, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func objectPath(hash types.ContentHash, tier types.Tier) string {
	return "/" + string(tier) + "/" + hash.Key()
}
