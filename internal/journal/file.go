package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "flexpower/pkg/logx"
)

// fileStore appends records as JSON Lines to a single file.
type fileStore struct {
	log  logx.Logger
	path string

	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("journal.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("journal opened", logx.String("path", path))
	return &fileStore{log: log, path: path, f: f, w: bufio.NewWriter(f)}, nil
}

func (s *fileStore) Append(ctx context.Context, recs ...Record) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	enc := json.NewEncoder(s.w)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return s.w.Flush()
}

func (s *fileStore) Recent(ctx context.Context, owner string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	if err := s.w.Flush(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if owner != "" && r.Owner != owner {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) > limit {
			out = out[1:]
		}
	}
	return out, sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	ferr := s.w.Flush()
	err := s.f.Close()
	s.f = nil
	if ferr != nil {
		return ferr
	}
	return err
}
