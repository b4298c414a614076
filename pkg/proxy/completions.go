package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lkarlslund/airelay/pkg/config"
	"github.com/lkarlslund/airelay/pkg/exchangelog"
	"github.com/lkarlslund/airelay/pkg/metrics"
	"github.com/lkarlslund/airelay/pkg/policy"
	"github.com/lkarlslund/airelay/pkg/stream"
	"github.com/lkarlslund/airelay/pkg/upstream"
	"github.com/lkarlslund/airelay/pkg/usage"
)

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.fail(w, r, metrics.ModeNone, fmt.Errorf("%w: %v", errRequestBody, err))
		return
	}
	req, err := s.policy.Apply(body)
	if err != nil {
		s.fail(w, r, metrics.ModeNone, err)
		return
	}
	mode := metrics.ModeBuffered
	if req.Stream {
		mode = metrics.ModeStream
	}
	log.Debug("relaying completion", "model", req.Model, "stream", req.Stream, "request_id", middleware.GetReqID(r.Context()))

	resp, err := s.upstream.Forward(r.Context(), req.Body)
	if err != nil {
		if ctxErr := r.Context().Err(); ctxErr != nil {
			err = ctxErr
		}
		s.fail(w, r, mode, err)
		return
	}
	if !resp.OK() {
		resp.Discard()
		s.fail(w, r, mode, &upstreamStatusError{status: resp.StatusCode})
		return
	}
	if req.Stream {
		s.relayStream(w, r, req, resp)
		return
	}
	s.relayBuffered(w, r, req, resp)
}

// relayBuffered returns the whole upstream document minus usage and logs the
// original.
func (s *Server) relayBuffered(w http.ResponseWriter, r *http.Request, req policy.Request, resp *upstream.Response) {
	raw, err := resp.ReadAll()
	if err != nil {
		if ctxErr := r.Context().Err(); ctxErr != nil {
			err = ctxErr
		} else {
			err = fmt.Errorf("%w: %v", errUpstreamRead, err)
		}
		s.fail(w, r, metrics.ModeBuffered, err)
		return
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		s.fail(w, r, metrics.ModeBuffered, fmt.Errorf("%w: %v", ErrUpstreamResponseMalformed, err))
		return
	}

	var clientDoc any = doc
	if obj, ok := doc.(map[string]any); ok {
		clientDoc = usage.Strip(obj)
	}
	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(clientDoc); err != nil {
		log.Debug("buffered response write failed", "err", err)
	}

	s.logExchange(r, req.Doc, doc, false)
	s.metrics.ObserveRequest(metrics.ModeBuffered, metrics.OutcomeOK)
}

// relayStream forwards each reassembled event as soon as its line completes.
// Only the last event carrying provider usage is logged.
func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, req policy.Request, resp *upstream.Response) {
	defer resp.Body.Close()

	h := w.Header()
	h.Set("Content-Type", resp.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	write := eventWriterFor(s.cfg.Stream.Format)
	rc := http.NewResponseController(w)
	flush := func() error {
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	}
	_ = flush()

	var (
		last    map[string]any
		scratch bytes.Buffer
	)
	sum, err := stream.Read(r.Context(), resp.Body, func(ev stream.Event) error {
		if usage.HasStreamUsage(ev.Doc) {
			last = ev.Doc
		}
		scratch.Reset()
		if err := write(&scratch, ev.ClientDoc()); err != nil {
			return err
		}
		if _, err := w.Write(scratch.Bytes()); err != nil {
			return fmt.Errorf("write client: %w", err)
		}
		return flush()
	})
	s.metrics.ObserveSkippedLines(sum.Skipped)

	if last != nil {
		s.logExchange(r, req.Doc, last, true)
	} else {
		log.Debug("stream ended without usage event", "events", sum.Events)
	}
	if err == nil && sum.Done && s.cfg.Stream.Format == config.StreamFormatSSE {
		if _, werr := io.WriteString(w, "data: [DONE]\n\n"); werr == nil {
			_ = flush()
		}
	}

	outcome := metrics.OutcomeOK
	if err != nil {
		if r.Context().Err() != nil {
			outcome = metrics.OutcomeClientGone
		} else {
			outcome = metrics.OutcomeUpstreamError
		}
		log.Warn("stream relay interrupted", "err", err, "events", sum.Events)
	}
	s.metrics.ObserveRequest(metrics.ModeStream, outcome)
}

func (s *Server) logExchange(r *http.Request, request, response any, streaming bool) {
	entry := exchangelog.Entry{
		Request:  request,
		Response: response,
		ClientIP: requestClientIP(r),
	}
	if n, ok := usage.ExtractTokens(response, streaming); ok {
		entry.Tokens = &n
	}
	s.exchanges.Log(entry)
}

// fail renders the fixed client error for err and records the outcome. A
// client that has gone away gets nothing written.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, mode string, err error) {
	status, message, outcome := classify(err)
	s.metrics.ObserveRequest(mode, outcome)
	if status == 0 {
		log.Debug("client went away", "err", err)
		return
	}
	if status >= http.StatusInternalServerError || outcome == metrics.OutcomeUpstreamError {
		log.Warn("completion failed", "status", status, "err", err, "request_id", middleware.GetReqID(r.Context()))
	} else {
		log.Debug("completion rejected", "status", status, "err", err)
	}
	writeError(w, status, message)
}

func decodeDocument(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if err := dec.Decode(new(json.RawMessage)); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after json value")
	}
	return doc, nil
}

type eventWriter func(w io.Writer, doc map[string]any) error

func eventWriterFor(format string) eventWriter {
	if format == config.StreamFormatSSE {
		return writeSSEEvent
	}
	return writeNDJSONEvent
}

func writeNDJSONEvent(w io.Writer, doc map[string]any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(doc)
}

func writeSSEEvent(w io.Writer, doc map[string]any) error {
	if _, err := io.WriteString(w, "data: "); err != nil {
		return err
	}
	if err := writeNDJSONEvent(w, doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
