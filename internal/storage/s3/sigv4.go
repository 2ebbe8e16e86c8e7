package s3

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// SigV4 protocol constants
const (
	signingAlgorithm = "AWS4-HMAC-SHA256"
	signingService   = "s3"
	scopeTerminator  = "aws4_request"

	amzDateFormat   = "20060102T150405Z"
	shortDateFormat = "20060102"

	// EmptyPayloadHash is the SHA-256 of the empty string.
	EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	// UnsignedPayload is used in place of a payload hash for presigned URLs.
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	headerAuthorization = "Authorization"
	headerAmzDate       = "X-Amz-Date"
	headerContentSHA256 = "X-Amz-Content-Sha256"
	headerSecurityToken = "X-Amz-Security-Token"
)

// Headers that are never part of the signature. Proxies and tracing middleware may add or
// rewrite them after signing.
var unsignedHeaders = map[string]bool{
	"authorization":   true,
	"user-agent":      true,
	"x-amzn-trace-id": true,
	"expect":          true,
	"content-length":  true,
	"accept-encoding": true,
	"connection":      true,
	"traceparent":     true,
	"tracestate":      true,
	"baggage":         true,
}

// Signer computes AWS Signature Version 4 for S3 requests.
type Signer struct {
	Region string
}

// NewSigner returns a signer for region.
func NewSigner(region string) *Signer {
	return &Signer{Region: region}
}

// Sign adds X-Amz-Date, X-Amz-Content-Sha256, the optional security token and the
// Authorization header to req. The request's path and query are rewritten to their
// canonical encodings so the bytes on the wire are the bytes that were signed.
func (s *Signer) Sign(req *http.Request, creds aws.Credentials, payloadHash string, t time.Time) error {
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return errors.New("sigv4: credentials are empty")
	}
	if payloadHash == "" {
		payloadHash = EmptyPayloadHash
	}
	t = t.UTC()
	amzDate := t.Format(amzDateFormat)

	req.Header.Set(headerAmzDate, amzDate)
	req.Header.Set(headerContentSHA256, payloadHash)
	if creds.SessionToken != "" {
		req.Header.Set(headerSecurityToken, creds.SessionToken)
	}
	req.Header.Del(headerAuthorization)

	canonicalURI := canonicalPath(req.URL)
	canonicalQuery := canonicalQueryString(req.URL.Query())
	req.URL.RawPath = canonicalURI
	req.URL.RawQuery = canonicalQuery

	headers, signed := canonicalHeaders(req)
	creq := buildCanonicalRequest(req.Method, canonicalURI, canonicalQuery, headers, signed, payloadHash)
	scope := credentialScope(t, s.Region)
	sts := buildStringToSign(amzDate, scope, creq)
	sig := signature(deriveSigningKey(creds.SecretAccessKey, t, s.Region), sts)

	req.Header.Set(headerAuthorization, signingAlgorithm+
		" Credential="+creds.AccessKeyID+"/"+scope+
		", SignedHeaders="+signed+
		", Signature="+sig)
	return nil
}

// canonicalPath URI-encodes each path segment, keeping the separators.
func canonicalPath(u *url.URL) string {
	p := u.Path
	if p == "" {
		return "/"
	}
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = uriEncode(seg)
	}
	return strings.Join(segments, "/")
}

// canonicalQueryString sorts parameters lexicographically by key, then by value, and
// encodes both with RFC 3986 rules. Generic serializers do not guarantee this order.
func canonicalQueryString(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		values := append([]string(nil), q[k]...)
		sort.Strings(values)
		for _, v := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(uriEncode(k))
			b.WriteByte('=')
			b.WriteString(uriEncode(v))
		}
	}
	return b.String()
}

// canonicalHeaders returns the "name:value\n" block and the semicolon-separated list of
// signed header names, both sorted by lower-cased name. Host is always signed.
func canonicalHeaders(req *http.Request) (string, string) {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}

	values := map[string][]string{"host": {host}}
	for name, vals := range req.Header {
		lname := strings.ToLower(name)
		if unsignedHeaders[lname] || lname == "host" {
			continue
		}
		values[lname] = append(values[lname], vals...)
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		trimmed := make([]string, len(values[name]))
		for i, v := range values[name] {
			trimmed[i] = trimHeaderValue(v)
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strings.Join(trimmed, ","))
		b.WriteByte('\n')
	}
	return b.String(), strings.Join(names, ";")
}

func buildCanonicalRequest(method, uri, query, headers, signedHeaders, payloadHash string) string {
	return strings.Join([]string{method, uri, query, headers, signedHeaders, payloadHash}, "\n")
}

func buildStringToSign(amzDate, scope, canonicalRequest string) string {
	return signingAlgorithm + "\n" + amzDate + "\n" + scope + "\n" + hashHex([]byte(canonicalRequest))
}

func credentialScope(t time.Time, region string) string {
	return t.UTC().Format(shortDateFormat) + "/" + region + "/" + signingService + "/" + scopeTerminator
}

// deriveSigningKey runs the HMAC chain kDate -> kRegion -> kService -> kSigning.
func deriveSigningKey(secret string, t time.Time, region string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), t.UTC().Format(shortDateFormat))
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, signingService)
	return hmacSHA256(kService, scopeTerminator)
}

func signature(key []byte, stringToSign string) string {
	return hex.EncodeToString(hmacSHA256(key, stringToSign))
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// uriEncode percent-encodes everything except the RFC 3986 unreserved characters.
func uriEncode(s string) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('A' <= c && c <= 'Z') || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9') ||
			c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0F])
	}
	return b.String()
}

// trimHeaderValue trims surrounding space and collapses inner runs of spaces.
func trimHeaderValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}
