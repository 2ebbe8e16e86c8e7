package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/datamarket/tierstore/pkg/errors"
)

// FileLog appends events as JSON lines and syncs the file after every write.
type FileLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenFile opens or creates the log at path.
func OpenFile(path string) (*FileLog, error) {
	if path == "" {
		return nil, errors.New(errors.ErrCodeConfigMissing, "audit file path is required").WithComponent("audit")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "create audit directory").WithComponent("audit")
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "open audit file").WithComponent("audit")
	}
	return &FileLog{path: path, f: f}, nil
}

// Append implements Log.
func (l *FileLog) Append(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(prepare(event))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "encode audit event").WithComponent("audit")
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(line); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "append audit event").WithComponent("audit")
	}
	if err := l.f.Sync(); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "sync audit file").WithComponent("audit")
	}
	return nil
}

// Since implements Log by scanning the whole file. Lines that fail to decode are skipped.
func (l *FileLog) Since(ctx context.Context, eventType EventType, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "open audit file").WithComponent("audit")
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if matches(e, eventType, since) {
			out = append(out, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "read audit file").WithComponent("audit")
	}
	return out, nil
}

// Close implements Log.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
