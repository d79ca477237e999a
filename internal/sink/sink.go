// Package sink turns index-keyed fetch outcomes into the ordered,
// line-delimited JSON records handed to callers.
package sink

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/JakeFAU/renderfetch/internal/render"
)

// ErrNoResult marks an index that finished without any recorded outcome.
var ErrNoResult = errors.New("no result recorded")

// HTML is written verbatim; escaping <, > and & would bloat every record.
var lineJSON = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// Sink persists a finished batch.
type Sink interface {
	Write(ctx context.Context, results []render.Result) error
}

// Dense orders slots by input index. A nil slot becomes an explicit failure
// record, and every record is pinned to its input URL and index.
func Dense(urls []string, slots []*render.Result) []render.Result {
	out := make([]render.Result, len(urls))
	for i, u := range urls {
		if i < len(slots) && slots[i] != nil {
			res := *slots[i]
			res.Index = i
			res.URL = u
			if !res.Success {
				res.HTML = ""
				res.StatusCode = 0
				res.ContentLength = 0
				res.Status = render.StatusFailed
			}
			out[i] = res
			continue
		}
		out[i] = render.Failed(i, u, ErrNoResult)
	}
	return out
}

// Encode writes one JSON object per line in slice order.
func Encode(w io.Writer, results []render.Result) error {
	stream := lineJSON.BorrowStream(w)
	defer lineJSON.ReturnStream(stream)
	for i := range results {
		stream.WriteVal(results[i])
		stream.WriteRaw("\n")
		if stream.Error != nil {
			return fmt.Errorf("encode record %d: %w", i, stream.Error)
		}
	}
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("flush records: %w", err)
	}
	return nil
}

// Marshal returns the JSONL document for results.
func Marshal(results []render.Result) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, results); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads JSONL records back, mainly for tooling and tests.
func Decode(r io.Reader) ([]render.Result, error) {
	var out []render.Result
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var res render.Result
		if err := lineJSON.Unmarshal(line, &res); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", len(out), err)
		}
		res.Index = len(out)
		out = append(out, res)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return out, nil
}

// File writes the batch to a path, truncating any previous run.
type File struct {
	path   string
	logger *zap.Logger
}

// NewFile returns a file sink for path.
func NewFile(path string, logger *zap.Logger) *File {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &File{path: path, logger: logger}
}

// Path reports the output location.
func (f *File) Path() string { return f.path }

// Write implements Sink.
func (f *File) Write(ctx context.Context, results []render.Result) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create output dir %s: %w", dir, err)
		}
	}
	file, err := os.Create(f.path)
	if err != nil {
		return fmt.Errorf("create %s: %w", f.path, err)
	}
	w := bufio.NewWriter(file)
	if err := Encode(w, results); err != nil {
		_ = file.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("flush %s: %w", f.path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", f.path, err)
	}
	f.logger.Info("results written", zap.String("path", f.path), zap.Int("records", len(results)))
	return nil
}

// Memory keeps the last batch in memory instead of persisting it.
type Memory struct {
	mu      sync.Mutex
	results []render.Result
}

// Write implements Sink.
func (m *Memory) Write(_ context.Context, results []render.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append([]render.Result(nil), results...)
	return nil
}

// Results returns a copy of the last batch.
func (m *Memory) Results() []render.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]render.Result(nil), m.results...)
}
