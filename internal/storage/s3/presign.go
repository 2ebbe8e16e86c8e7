package s3

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// Presign limits accepted by S3.
const (
	MinPresignExpiry = time.Second
	MaxPresignExpiry = 7 * 24 * time.Hour
)

// Presign returns req's URL with query-string authentication valid for expires. Only the host
// header is signed and the payload is UNSIGNED-PAYLOAD. The expiry is clamped to the range S3
// accepts.
func (s *Signer) Presign(req *http.Request, creds aws.Credentials, expires time.Duration, t time.Time) (string, error) {
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return "", errors.New("sigv4: credentials are empty")
	}
	expires = clampExpiry(expires)
	t = t.UTC()
	amzDate := t.Format(amzDateFormat)
	scope := credentialScope(t, s.Region)

	q := req.URL.Query()
	q.Del("X-Amz-Signature")
	q.Set("X-Amz-Algorithm", signingAlgorithm)
	q.Set("X-Amz-Credential", creds.AccessKeyID+"/"+scope)
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", strconv.FormatInt(int64(expires/time.Second), 10))
	q.Set("X-Amz-SignedHeaders", "host")
	if creds.SessionToken != "" {
		q.Set("X-Amz-Security-Token", creds.SessionToken)
	}

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	canonicalURI := canonicalPath(req.URL)
	canonicalQuery := canonicalQueryString(q)
	creq := buildCanonicalRequest(req.Method, canonicalURI, canonicalQuery, "host:"+host+"\n", "host", UnsignedPayload)
	sig := signature(deriveSigningKey(creds.SecretAccessKey, t, s.Region), buildStringToSign(amzDate, scope, creq))

	u := *req.URL
	u.RawPath = canonicalURI
	u.RawQuery = canonicalQuery + "&X-Amz-Signature=" + sig
	return u.String(), nil
}

func clampExpiry(d time.Duration) time.Duration {
	if d < MinPresignExpiry {
		return MinPresignExpiry
	}
	if d > MaxPresignExpiry {
		return MaxPresignExpiry
	}
	return d.Truncate(time.Second)
}
