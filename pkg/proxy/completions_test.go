package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lkarlslund/airelay/pkg/config"
)

func postCompletion(t *testing.T, baseURL, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(baseURL+"/chat/completions", "application/json", strings.NewReader(body)) // #nosec G107
	if err != nil {
		t.Fatalf("post completion: %v", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read completion: %v", err)
	}
	return resp, string(b)
}

func decodeMap(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return m
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestBufferedCompletionStripsUsageAndLogsTokens(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization: %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("unexpected content type: %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(body, &req)
		if req["model"] != "openai/gpt-oss-20b" {
			t.Errorf("expected default model to be injected, got %v", req["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"hello"}}],"usage":{"total_tokens":10}}`))
	}))
	defer up.Close()
	tr := newTestRelay(t, up.URL, nil)

	resp, body := postCompletion(t, tr.http.URL, `{"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected mirrored content type, got %q", ct)
	}
	got := decodeMap(t, []byte(body))
	if _, ok := got["usage"]; ok {
		t.Fatalf("expected usage to be stripped, got %s", body)
	}
	if _, ok := got["choices"]; !ok {
		t.Fatalf("expected choices to be relayed, got %s", body)
	}

	tr.wait(t)
	records := tr.store.snapshot()
	if len(records) != 1 {
		t.Fatalf("expected 1 logged exchange, got %d", len(records))
	}
	rec := records[0]
	if rec.Tokens == nil || *rec.Tokens != 10 {
		t.Fatalf("expected 10 logged tokens, got %v", rec.Tokens)
	}
	if _, ok := decodeMap(t, rec.Response)["usage"]; !ok {
		t.Fatalf("expected logged response to keep usage, got %s", rec.Response)
	}
	if decodeMap(t, rec.Request)["model"] != "openai/gpt-oss-20b" {
		t.Fatalf("expected logged request to carry the forwarded model, got %s", rec.Request)
	}
	if rec.ClientIP != "127.0.0.1" {
		t.Fatalf("expected client ip 127.0.0.1, got %q", rec.ClientIP)
	}
	if total := tr.metrics.TotalTokens(); total != 10 {
		t.Fatalf("expected running total 10, got %d", total)
	}
}

func TestStreamCompletionReassemblesSplitChunks(t *testing.T) {
	chunks := []string{
		"data: {\"id\":1}\nda",
		"ta: {\"id\":2,\"x_groq\":{\"usage\":{\"total_tokens\":5}}}\ndata: [DONE]\n",
	}
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, c := range chunks {
			_, _ = w.Write([]byte(c))
			flush(w)
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer up.Close()
	tr := newTestRelay(t, up.URL, nil)

	resp, body := postCompletion(t, tr.http.URL, `{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected mirrored content type, got %q", ct)
	}
	want := "{\"id\":1}\n{\"id\":2,\"x_groq\":{\"usage\":{\"total_tokens\":5}}}\n"
	if body != want {
		t.Fatalf("expected body %q, got %q", want, body)
	}

	tr.wait(t)
	records := tr.store.snapshot()
	if len(records) != 1 {
		t.Fatalf("expected 1 logged exchange, got %d", len(records))
	}
	if got := string(records[0].Response); got != `{"id":2,"x_groq":{"usage":{"total_tokens":5}}}` {
		t.Fatalf("expected usage-bearing event to be logged, got %s", got)
	}
	if records[0].Tokens == nil || *records[0].Tokens != 5 {
		t.Fatalf("expected 5 logged tokens, got %v", records[0].Tokens)
	}
}

func TestStreamCompletionStripsTopLevelUsage(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"id\":3,\"usage\":{\"total_tokens\":9},\"x_groq\":{\"usage\":{\"total_tokens\":9}}}\n\n"))
	}))
	defer up.Close()
	tr := newTestRelay(t, up.URL, nil)

	_, body := postCompletion(t, tr.http.URL, `{"stream":true}`)
	if body != "{\"id\":3,\"x_groq\":{\"usage\":{\"total_tokens\":9}}}\n" {
		t.Fatalf("unexpected body %q", body)
	}
	tr.wait(t)
	records := tr.store.snapshot()
	if len(records) != 1 {
		t.Fatalf("expected 1 logged exchange, got %d", len(records))
	}
	if _, ok := decodeMap(t, records[0].Response)["usage"]; !ok {
		t.Fatalf("expected logged event to keep usage, got %s", records[0].Response)
	}
}

func TestStreamWithoutUsageIsNotLogged(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {\"id\":1}\n\ndata: {\"id\":2}\n\ndata: [DONE]\n\n"))
	}))
	defer up.Close()
	tr := newTestRelay(t, up.URL, nil)

	resp, body := postCompletion(t, tr.http.URL, `{"stream":true}`)
	if resp.StatusCode != http.StatusOK || body != "{\"id\":1}\n{\"id\":2}\n" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	tr.wait(t)
	if n := len(tr.store.snapshot()); n != 0 {
		t.Fatalf("expected no logged exchange, got %d", n)
	}
}

func TestStreamSkipsMalformedLines(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: not json\n[1,2]\n{\"id\":1}\n"))
	}))
	defer up.Close()
	tr := newTestRelay(t, up.URL, nil)

	_, body := postCompletion(t, tr.http.URL, `{"stream":true}`)
	if body != "{\"id\":1}\n" {
		t.Fatalf("unexpected body %q", body)
	}
	_, _, metricsBody := getBody(t, tr.http.URL+"/metrics")
	if !strings.Contains(metricsBody, "airelay_stream_lines_skipped_total 2") {
		t.Fatal("expected two skipped lines to be counted")
	}
}

func TestStreamSSEFormatForwardsDoneMarker(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"id\":1}\n\ndata: [DONE]\n\ndata: {\"id\":99}\n\n"))
	}))
	defer up.Close()
	tr := newTestRelay(t, up.URL, func(c *config.Config) {
		c.Stream.Format = config.StreamFormatSSE
	})

	_, body := postCompletion(t, tr.http.URL, `{"stream":true}`)
	if want := "data: {\"id\":1}\n\ndata: [DONE]\n\n"; body != want {
		t.Fatalf("expected %q, got %q", want, body)
	}
}

func TestStreamDeliversEventsBeforeUpstreamFinishes(t *testing.T) {
	release := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{\"id\":1}\n"))
		flush(w)
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte("{\"id\":2}\n"))
	}))
	defer up.Close()
	defer close(release)
	tr := newTestRelay(t, up.URL, nil)

	resp, err := http.Post(tr.http.URL+"/chat/completions", "application/json", strings.NewReader(`{"stream":true}`)) // #nosec G107
	if err != nil {
		t.Fatalf("post completion: %v", err)
	}
	defer resp.Body.Close()

	lines := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(resp.Body).ReadString('\n')
		lines <- line
	}()
	select {
	case line := <-lines:
		if line != "{\"id\":1}\n" {
			t.Fatalf("unexpected first event %q", line)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("first event was not delivered while upstream was still streaming")
	}
}

func TestClientDisconnectStopsUpstreamRead(t *testing.T) {
	upstreamGone := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{\"id\":1}\n"))
		flush(w)
		<-r.Context().Done()
		close(upstreamGone)
	}))
	defer up.Close()
	tr := newTestRelay(t, up.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tr.http.URL+"/chat/completions", strings.NewReader(`{"stream":true}`))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post completion: %v", err)
	}
	if _, err := bufio.NewReader(resp.Body).ReadString('\n'); err != nil {
		t.Fatalf("read first event: %v", err)
	}
	cancel()
	_ = resp.Body.Close()

	select {
	case <-upstreamGone:
	case <-time.After(5 * time.Second):
		t.Fatal("expected upstream request to be cancelled after client disconnect")
	}
	tr.wait(t)
	if n := len(tr.store.snapshot()); n != 0 {
		t.Fatalf("expected no logged exchange, got %d", n)
	}
}

func TestUpstreamErrorStatusPassesThrough(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited for org secret-org"}}`))
	}))
	defer up.Close()
	tr := newTestRelay(t, up.URL, nil)

	resp, body := postCompletion(t, tr.http.URL, `{"messages":[]}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if strings.TrimSpace(body) != `{"error":"Upstream service error"}` {
		t.Fatalf("expected generic error body, got %q", body)
	}
	tr.wait(t)
	if n := len(tr.store.snapshot()); n != 0 {
		t.Fatalf("expected no logged exchange, got %d", n)
	}
}

func TestMalformedRequestIsRejectedWithoutUpstreamCall(t *testing.T) {
	var calls atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer up.Close()
	tr := newTestRelay(t, up.URL, nil)

	for _, body := range []string{`{not json`, ``, `[1,2]`, `{"a":1} {"b":2}`} {
		resp, got := postCompletion(t, tr.http.URL, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for %q, got %d", body, resp.StatusCode)
		}
		if strings.TrimSpace(got) != `{"error":"Invalid JSON"}` {
			t.Fatalf("unexpected body for %q: %q", body, got)
		}
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("expected no upstream calls, got %d", n)
	}
}

func TestUnreachableUpstreamReturnsBadGateway(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := up.URL
	up.Close()
	tr := newTestRelay(t, addr, nil)

	resp, body := postCompletion(t, tr.http.URL, `{}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if strings.TrimSpace(body) != `{"error":"Failed to connect to upstream service"}` {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestInvalidUpstreamJSONReturnsBadGateway(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>oops</html>`))
	}))
	defer up.Close()
	tr := newTestRelay(t, up.URL, nil)

	resp, body := postCompletion(t, tr.http.URL, `{}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if strings.TrimSpace(body) != `{"error":"Invalid response from upstream service"}` {
		t.Fatalf("unexpected body %q", body)
	}
	tr.wait(t)
	if n := len(tr.store.snapshot()); n != 0 {
		t.Fatalf("expected no logged exchange, got %d", n)
	}
}

func TestPersistenceOutageDoesNotChangeClientResponse(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","usage":{"total_tokens":10}}`))
	}))
	defer up.Close()
	logged := newTestRelay(t, up.URL, nil)
	unlogged := newUnloggedTestRelay(t, up.URL)

	resp1, body1 := postCompletion(t, logged.http.URL, `{}`)
	resp2, body2 := postCompletion(t, unlogged.http.URL, `{}`)
	if resp1.StatusCode != resp2.StatusCode || body1 != body2 {
		t.Fatalf("expected identical responses, got %d %q and %d %q", resp1.StatusCode, body1, resp2.StatusCode, body2)
	}
	unlogged.wait(t)
	if total := unlogged.metrics.TotalTokens(); total != 0 {
		t.Fatalf("expected no tokens counted without a store, got %d", total)
	}
}

func TestLargeIntegersSurviveForwarding(t *testing.T) {
	seen := make(chan string, 1)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen <- string(b)
		_, _ = w.Write([]byte(`{"seed":12345678901234567890}`))
	}))
	defer up.Close()
	tr := newTestRelay(t, up.URL, nil)

	_, body := postCompletion(t, tr.http.URL, `{"seed":12345678901234567890,"service_tier":"auto"}`)
	forwarded := <-seen
	if !strings.Contains(forwarded, `"seed":12345678901234567890`) {
		t.Fatalf("expected seed to be forwarded intact, got %s", forwarded)
	}
	if strings.Contains(forwarded, "service_tier") {
		t.Fatalf("expected unsupported service tier to be dropped, got %s", forwarded)
	}
	if strings.TrimSpace(body) != `{"seed":12345678901234567890}` {
		t.Fatalf("expected seed to be returned intact, got %s", body)
	}
}

func TestV1PathIsRelayed(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer up.Close()
	tr := newTestRelay(t, up.URL, nil)

	resp, err := http.Post(tr.http.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{}`)) // #nosec G107
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
