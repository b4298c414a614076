package exchangedb

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const defaultSegmentMaxAge = 6 * time.Hour

// fileStore appends records to zstd-compressed JSON-lines segments under
// <dir>/raw/YYYY/MM/DD/HH. A segment is written as open-<seq>.jsonl.zst.tmp
// and renamed to <minUnix>-<maxUnix>-<seq>.jsonl.zst when it is closed, so
// readers only ever see complete files.
type fileStore struct {
	mu        sync.Mutex
	dir       string
	maxAge    time.Duration
	writer    *segmentWriter
	writerDir string
	lastID    int64
	tokens    int64
	now       func() time.Time
}

type segmentWriter struct {
	pathTmp  string
	dir      string
	seq      int64
	file     *os.File
	enc      *zstd.Encoder
	minTs    time.Time
	maxTs    time.Time
	count    int
	openedAt time.Time
}

type segmentMeta struct {
	path string
	min  time.Time
	max  time.Time
}

func openFileStore(dir string) (*fileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("file store directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create file store dir: %w", err)
	}
	return &fileStore{dir: dir, maxAge: defaultSegmentMaxAge, now: time.Now}, nil
}

// Migrate recovers the last identity and token sum from the closed segments.
func (s *fileStore) Migrate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lastID, tokens int64
	err := s.scanLocked(func(rec Record) {
		if rec.ID > lastID {
			lastID = rec.ID
		}
		if rec.Tokens != nil {
			tokens += *rec.Tokens
		}
	})
	if err != nil {
		return err
	}
	if lastID > s.lastID {
		s.lastID = lastID
	}
	s.tokens = tokens
	return nil
}

func (s *fileStore) Insert(_ context.Context, rec Record) error {
	if err := validJSON("request", rec.Request); err != nil {
		return err
	}
	if err := validJSON("response", rec.Response); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = s.lastID + 1
	rec.CreatedAt = s.now().UTC()
	if err := s.openWriterLocked(rec.CreatedAt); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.writer.writeLine(line, rec.CreatedAt); err != nil {
		return err
	}
	s.lastID = rec.ID
	if rec.Tokens != nil {
		s.tokens += *rec.Tokens
	}
	if s.writer.shouldRotate(s.maxAge) {
		return s.closeWriterLocked()
	}
	return nil
}

func (s *fileStore) TotalTokens(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens, nil
}

// Close finalizes the open segment.
func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeWriterLocked()
}

// Scan visits every record in closed segments, oldest segment first.
func (s *fileStore) Scan(fn func(Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanLocked(fn)
}

func (s *fileStore) scanLocked(fn func(Record)) error {
	segments, err := listSegments(filepath.Join(s.dir, "raw"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if err := scanRecords(seg.path, fn); err != nil {
			return fmt.Errorf("scan %s: %w", seg.path, err)
		}
	}
	return nil
}

func (s *fileStore) openWriterLocked(ts time.Time) error {
	hourDir := filepath.Join(s.dir, "raw", ts.Format("2006"), ts.Format("01"), ts.Format("02"), ts.Format("15"))
	if s.writer != nil && s.writerDir == hourDir {
		return nil
	}
	if err := s.closeWriterLocked(); err != nil {
		return err
	}
	w, err := newSegmentWriter(hourDir)
	if err != nil {
		return err
	}
	s.writer = w
	s.writerDir = hourDir
	return nil
}

func (s *fileStore) closeWriterLocked() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.close()
	s.writer = nil
	s.writerDir = ""
	return err
}

func newSegmentWriter(dir string) (*segmentWriter, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	seq := time.Now().UTC().UnixNano()
	tmp := filepath.Join(dir, fmt.Sprintf("open-%d.jsonl.zst.tmp", seq))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segmentWriter{pathTmp: tmp, dir: dir, seq: seq, file: f, enc: enc, openedAt: time.Now().UTC()}, nil
}

func (w *segmentWriter) writeLine(line []byte, ts time.Time) error {
	if _, err := w.enc.Write(line); err != nil {
		return err
	}
	if _, err := w.enc.Write([]byte("\n")); err != nil {
		return err
	}
	if w.minTs.IsZero() || ts.Before(w.minTs) {
		w.minTs = ts
	}
	if w.maxTs.IsZero() || ts.After(w.maxTs) {
		w.maxTs = ts
	}
	w.count++
	return nil
}

func (w *segmentWriter) shouldRotate(maxAge time.Duration) bool {
	return maxAge > 0 && time.Since(w.openedAt) >= maxAge
}

func (w *segmentWriter) close() error {
	if w.enc != nil {
		_ = w.enc.Close()
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	if w.count == 0 {
		_ = os.Remove(w.pathTmp)
		return nil
	}
	final := filepath.Join(w.dir, fmt.Sprintf("%d-%d-%d.jsonl.zst", w.minTs.Unix(), w.maxTs.Unix(), w.seq))
	return os.Rename(w.pathTmp, final)
}

func listSegments(root string) ([]segmentMeta, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, os.ErrNotExist
	}
	out := []segmentMeta{}
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".jsonl.zst") || strings.HasPrefix(name, "open-") {
			return nil
		}
		parts := strings.Split(strings.TrimSuffix(name, ".jsonl.zst"), "-")
		if len(parts) < 3 {
			return nil
		}
		minUnix, err1 := strconv.ParseInt(parts[0], 10, 64)
		maxUnix, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return nil
		}
		out = append(out, segmentMeta{path: path, min: time.Unix(minUnix, 0).UTC(), max: time.Unix(maxUnix, 0).UTC()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].min.Equal(out[j].min) {
			return out[i].path < out[j].path
		}
		return out[i].min.Before(out[j].min)
	})
	return out, nil
}

func scanRecords(path string, fn func(Record)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 32<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		fn(rec)
	}
	return sc.Err()
}
