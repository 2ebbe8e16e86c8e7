package s3

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// payload is an upload body that can be replayed for retries. The payload hash sent
// with the signature is the body's SHA-256, which is also its content hash.
type payload struct {
	rs      io.ReadSeeker
	offset  int64
	size    int64
	digest  string
	cleanup func()
}

// newPayload makes body replayable and computes its digest. Seekable bodies are hashed
// in place; others are buffered in memory up to maxBuffered bytes, or spooled to a
// temporary file beyond that.
func newPayload(body io.Reader, maxBuffered int64) (*payload, error) {
	if rs, ok := body.(io.ReadSeeker); ok {
		offset, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, err
		}
		h := sha256.New()
		n, err := io.Copy(h, rs)
		if err != nil {
			return nil, err
		}
		return &payload{rs: rs, offset: offset, size: n, digest: hex.EncodeToString(h.Sum(nil))}, nil
	}

	h := sha256.New()
	var buf bytes.Buffer
	n, err := io.Copy(io.MultiWriter(&buf, h), io.LimitReader(body, maxBuffered+1))
	if err != nil {
		return nil, err
	}
	if n <= maxBuffered {
		return &payload{rs: bytes.NewReader(buf.Bytes()), size: n, digest: hex.EncodeToString(h.Sum(nil))}, nil
	}

	tmp, err := os.CreateTemp("", "tierstore-upload-*")
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		cleanup()
		return nil, err
	}
	rest, err := io.Copy(io.MultiWriter(tmp, h), body)
	if err != nil {
		cleanup()
		return nil, err
	}
	return &payload{rs: tmp, size: n + rest, digest: hex.EncodeToString(h.Sum(nil)), cleanup: cleanup}, nil
}

func (p *payload) rewind() error {
	_, err := p.rs.Seek(p.offset, io.SeekStart)
	return err
}

// reader returns the body positioned at its start and bounded to its size.
func (p *payload) reader() io.Reader {
	return io.LimitReader(p.rs, p.size)
}

func (p *payload) Close() {
	if p.cleanup != nil {
		p.cleanup()
	}
}
