package s3

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

type fakeObject struct {
	data         []byte
	contentType  string
	cacheControl string
	storageClass string
	modified     time.Time
}

// fakeS3 is a path-style S3 endpoint that checks every signature the way S3 does.
type fakeS3 struct {
	*httptest.Server
	creds  aws.Credentials
	region string

	mu       sync.Mutex
	buckets  map[string]map[string]*fakeObject
	requests []*http.Request

	// Knobs for failure scenarios.
	pageLimit        int
	ignoreRange      bool
	archivedClass    string
	failNext         int
	copyErrorBody    bool
	requireSignature bool
}

func newFakeS3(t *testing.T, buckets ...string) *fakeS3 {
	t.Helper()
	f := &fakeS3{
		creds:            aws.Credentials{AccessKeyID: "test-key", SecretAccessKey: "test-secret"},
		region:           "us-east-1",
		buckets:          make(map[string]map[string]*fakeObject),
		requireSignature: true,
	}
	for _, b := range buckets {
		f.buckets[b] = make(map[string]*fakeObject)
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeS3) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Clone(r.Context()))

	if f.failNext > 0 {
		f.failNext--
		writeError(w, http.StatusServiceUnavailable, "SlowDown", "reduce your request rate")
		return
	}
	if f.requireSignature {
		if msg := f.checkSignature(r, body); msg != "" {
			writeError(w, http.StatusForbidden, "SignatureDoesNotMatch", msg)
			return
		}
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucketName, key, _ := strings.Cut(path, "/")
	bucket, ok := f.buckets[bucketName]
	if !ok {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeError(w, http.StatusNotFound, "NoSuchBucket", "bucket does not exist")
		return
	}

	switch {
	case key == "" && r.Method == http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case key == "" && r.Method == http.MethodGet:
		f.list(w, r, bucketName, bucket)
	case r.Method == http.MethodPut && r.Header.Get("X-Amz-Copy-Source") != "":
		f.copy(w, r, bucket, key)
	case r.Method == http.MethodPut:
		bucket[key] = &fakeObject{
			data:         body,
			contentType:  r.Header.Get("Content-Type"),
			cacheControl: r.Header.Get("Cache-Control"),
			storageClass: r.Header.Get("X-Amz-Storage-Class"),
			modified:     time.Now().UTC().Truncate(time.Second),
		}
		w.Header().Set("ETag", `"`+hashHex(body)[:32]+`"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		f.get(w, r, bucket, key)
	case r.Method == http.MethodDelete:
		delete(bucket, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
	}
}

func (f *fakeS3) get(w http.ResponseWriter, r *http.Request, bucket map[string]*fakeObject, key string) {
	obj, ok := bucket[key]
	if !ok {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeError(w, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")
		return
	}
	if r.Method == http.MethodGet && f.archivedClass != "" && obj.storageClass == f.archivedClass {
		writeError(w, http.StatusForbidden, "InvalidObjectState", "The operation is not valid for the object's storage class")
		return
	}

	h := w.Header()
	h.Set("Content-Type", obj.contentType)
	if obj.cacheControl != "" {
		h.Set("Cache-Control", obj.cacheControl)
	}
	h.Set("Last-Modified", obj.modified.Format(http.TimeFormat))
	h.Set("ETag", `"`+hashHex(obj.data)[:32]+`"`)

	data := obj.data
	status := http.StatusOK
	if rng := r.Header.Get("Range"); rng != "" && !f.ignoreRange && r.Method == http.MethodGet {
		var start, end int64
		if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil || start >= int64(len(data)) {
			writeError(w, http.StatusRequestedRangeNotSatisfiable, "InvalidRange", "The requested range is not satisfiable")
			return
		}
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		data = data[start : end+1]
		status = http.StatusPartialContent
	}
	h.Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	if r.Method == http.MethodGet {
		w.Write(data)
	}
}

func (f *fakeS3) copy(w http.ResponseWriter, r *http.Request, dst map[string]*fakeObject, key string) {
	if f.copyErrorBody {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>InternalError</Code><Message>copy interrupted</Message></Error>`)
		return
	}
	source := strings.TrimPrefix(r.Header.Get("X-Amz-Copy-Source"), "/")
	srcBucket, srcKey, _ := strings.Cut(source, "/")
	src, ok := f.buckets[srcBucket][srcKey]
	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchKey", "copy source does not exist")
		return
	}
	cp := *src
	cp.data = append([]byte(nil), src.data...)
	cp.storageClass = r.Header.Get("X-Amz-Storage-Class")
	dst[key] = &cp
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, `<CopyObjectResult><ETag>"x"</ETag></CopyObjectResult>`)
}

func (f *fakeS3) list(w http.ResponseWriter, r *http.Request, name string, bucket map[string]*fakeObject) {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	maxKeys, _ := strconv.Atoi(q.Get("max-keys"))
	if maxKeys <= 0 || maxKeys > 1000 {
		maxKeys = 1000
	}
	if f.pageLimit > 0 && maxKeys > f.pageLimit {
		maxKeys = f.pageLimit
	}

	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		if strings.HasPrefix(k, prefix) && k > q.Get("continuation-token") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	res := listBucketResult{Name: name, Prefix: prefix, MaxKeys: maxKeys}
	if len(keys) > maxKeys {
		keys = keys[:maxKeys]
		res.IsTruncated = true
		res.NextContinuationToken = keys[len(keys)-1]
	}
	for _, k := range keys {
		obj := bucket[k]
		res.Contents = append(res.Contents, listContents{
			Key:          k,
			LastModified: obj.modified,
			Size:         int64(len(obj.data)),
			StorageClass: obj.storageClass,
		})
	}
	res.KeyCount = len(res.Contents)

	w.Header().Set("Content-Type", "application/xml")
	xml.NewEncoder(w).Encode(res)
}

// checkSignature recomputes the signature from what arrived on the wire.
func (f *fakeS3) checkSignature(r *http.Request, body []byte) string {
	q := r.URL.Query()
	if sig := q.Get("X-Amz-Signature"); sig != "" {
		q.Del("X-Amz-Signature")
		at, err := time.Parse(amzDateFormat, q.Get("X-Amz-Date"))
		if err != nil {
			return "bad X-Amz-Date"
		}
		expires, _ := strconv.Atoi(q.Get("X-Amz-Expires"))
		if time.Since(at) > time.Duration(expires)*time.Second {
			return "request has expired"
		}
		creq := buildCanonicalRequest(r.Method, r.URL.EscapedPath(), canonicalQueryString(q), "host:"+r.Host+"\n", "host", UnsignedPayload)
		return f.compare(sig, at, creq)
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, signingAlgorithm+" ") {
		return "missing authorization"
	}
	fields := map[string]string{}
	for _, part := range strings.Split(strings.TrimPrefix(auth, signingAlgorithm+" "), ",") {
		k, v, _ := strings.Cut(strings.TrimSpace(part), "=")
		fields[k] = v
	}
	if !strings.HasPrefix(fields["Credential"], f.creds.AccessKeyID+"/") {
		return "unknown access key"
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if r.Method == http.MethodPut && payloadHash != hashHex(body) {
		return "payload hash does not match body"
	}

	var headers strings.Builder
	for _, name := range strings.Split(fields["SignedHeaders"], ";") {
		value := r.Host
		if name != "host" {
			vals := r.Header.Values(name)
			for i := range vals {
				vals[i] = trimHeaderValue(vals[i])
			}
			value = strings.Join(vals, ",")
		}
		headers.WriteString(name + ":" + value + "\n")
	}

	at, err := time.Parse(amzDateFormat, r.Header.Get("X-Amz-Date"))
	if err != nil {
		return "bad X-Amz-Date"
	}
	creq := buildCanonicalRequest(r.Method, r.URL.EscapedPath(), canonicalQueryString(r.URL.Query()),
		headers.String(), fields["SignedHeaders"], payloadHash)
	return f.compare(fields["Signature"], at, creq)
}

func (f *fakeS3) compare(sig string, at time.Time, creq string) string {
	sts := buildStringToSign(at.Format(amzDateFormat), credentialScope(at, f.region), creq)
	key := deriveSigningKey(f.creds.SecretAccessKey, at, f.region)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(sts))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return "signature mismatch"
	}
	return ""
}

func (f *fakeS3) object(bucket, key string) *fakeObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[bucket][key]
}

func (f *fakeS3) put(bucket, key string, obj *fakeObject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket][key] = obj
}

func (f *fakeS3) requestCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Method == method {
			n++
		}
	}
	return n
}

func (f *fakeS3) lastRequest() *http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	var b bytes.Buffer
	xml.NewEncoder(&b).Encode(errorResponse{Code: code, Message: msg, RequestID: "req-1"})
	w.Write(b.Bytes())
}
