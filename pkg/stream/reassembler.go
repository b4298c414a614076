// Package stream rebuilds discrete JSON events from a chunked completion
// stream.
//
// Upstream bytes arrive in arbitrary fragments: an event may span several
// chunks and one chunk may carry several events or end mid-event. The
// Reassembler buffers raw bytes and only cuts at '\n', which never occurs
// inside a multi-byte UTF-8 sequence, so a character split across chunks is
// decoded intact once its line is complete.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/airelay/pkg/usage"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
)

// ErrLineMalformed marks a single line that could not be parsed. It never
// terminates the stream.
var ErrLineMalformed = errors.New("malformed stream line")

// Event is one parsed JSON object from the stream, exactly as upstream sent
// it (usage included).
type Event struct {
	Doc map[string]any
}

// ClientDoc is the client-visible form of the event with top-level usage
// removed.
func (e Event) ClientDoc() map[string]any {
	return usage.Strip(e.Doc)
}

type Reassembler struct {
	pending []byte
	done    bool
	skipped int
}

func NewReassembler() *Reassembler {
	return &Reassembler{pending: make([]byte, 0, 4096)}
}

// Push appends chunk and returns every event completed by it, in order. The
// second result reports whether the [DONE] sentinel was seen; once it has
// been, all further input is ignored.
func (r *Reassembler) Push(chunk []byte) ([]Event, bool) {
	if r.done {
		return nil, true
	}
	r.pending = append(r.pending, chunk...)
	var out []Event
	for {
		idx := bytes.IndexByte(r.pending, '\n')
		if idx < 0 {
			break
		}
		line := r.pending[:idx+1]
		ev, ok := r.parseLine(line)
		r.pending = r.pending[idx+1:]
		if r.done {
			r.pending = nil
			return out, true
		}
		if ok {
			out = append(out, ev)
		}
	}
	if len(r.pending) == 0 {
		r.pending = r.pending[:0:cap(r.pending)]
	}
	return out, false
}

// Finish flushes a trailing event that arrived without a terminating newline.
func (r *Reassembler) Finish() []Event {
	if r.done || len(r.pending) == 0 {
		r.pending = nil
		return nil
	}
	line := r.pending
	r.pending = nil
	ev, ok := r.parseLine(line)
	if !ok {
		return nil
	}
	return []Event{ev}
}

func (r *Reassembler) Done() bool {
	return r.done
}

// Skipped counts lines dropped as malformed.
func (r *Reassembler) Skipped() int {
	return r.skipped
}

func (r *Reassembler) parseLine(raw []byte) (Event, bool) {
	line := strings.TrimSpace(strings.ToValidUTF8(string(raw), "�"))
	if line == "" {
		return Event{}, false
	}
	if strings.HasPrefix(line, dataPrefix) {
		line = strings.TrimSpace(line[len(dataPrefix):])
	}
	if line == doneSentinel {
		r.done = true
		return Event{}, false
	}
	doc, err := parseObject(line)
	if err != nil {
		r.skipped++
		log.Debug("skipping stream line", "err", err, "line", truncate(line, 120))
		return Event{}, false
	}
	return Event{Doc: doc}, true
}

func parseObject(line string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLineMalformed, err)
	}
	if err := dec.Decode(new(json.RawMessage)); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrLineMalformed)
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: not a json object", ErrLineMalformed)
	}
	return doc, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
