package policy

import (
	"encoding/json"
	"errors"
	"testing"
)

func testPolicy() *Policy {
	return New([]string{"qwen/qwen3-32b", " openai/gpt-oss-120b ", "", "qwen/qwen3-32b"}, "openai/gpt-oss-20b")
}

func TestApplySubstitutesDefaultModel(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "absent", body: `{"messages":[{"role":"user","content":"hi"}]}`, want: "openai/gpt-oss-20b"},
		{name: "not allowed", body: `{"model":"gpt-4o","messages":[]}`, want: "openai/gpt-oss-20b"},
		{name: "not a string", body: `{"model":42,"messages":[]}`, want: "openai/gpt-oss-20b"},
		{name: "null", body: `{"model":null,"messages":[]}`, want: "openai/gpt-oss-20b"},
		{name: "case differs", body: `{"model":"QWEN/qwen3-32b","messages":[]}`, want: "openai/gpt-oss-20b"},
		{name: "allowed", body: `{"model":"qwen/qwen3-32b","messages":[]}`, want: "qwen/qwen3-32b"},
		{name: "allowed after trim in config", body: `{"model":"openai/gpt-oss-120b"}`, want: "openai/gpt-oss-120b"},
		{name: "default is allowed", body: `{"model":"openai/gpt-oss-20b"}`, want: "openai/gpt-oss-20b"},
	}
	p := testPolicy()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := p.Apply([]byte(tc.body))
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if req.Model != tc.want {
				t.Fatalf("expected model %q, got %q", tc.want, req.Model)
			}
			var forwarded map[string]any
			if err := json.Unmarshal(req.Body, &forwarded); err != nil {
				t.Fatalf("decode forwarded body: %v", err)
			}
			if forwarded["model"] != tc.want {
				t.Fatalf("expected forwarded model %q, got %v", tc.want, forwarded["model"])
			}
		})
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	p := testPolicy()
	first, err := p.Apply([]byte(`{"model":"nope","service_tier":"auto","temperature":0.7,"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	second, err := p.Apply(first.Body)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if string(first.Body) != string(second.Body) {
		t.Fatalf("expected filtering to be a no-op the second time:\n%s\n%s", first.Body, second.Body)
	}
}

func TestApplyServiceTier(t *testing.T) {
	tests := []struct {
		name string
		body string
		keep bool
	}{
		{name: "flex", body: `{"service_tier":"flex"}`, keep: true},
		{name: "on_demand", body: `{"service_tier":"on_demand"}`, keep: true},
		{name: "auto", body: `{"service_tier":"auto"}`, keep: false},
		{name: "empty", body: `{"service_tier":""}`, keep: false},
		{name: "null", body: `{"service_tier":null}`, keep: false},
		{name: "number", body: `{"service_tier":1}`, keep: false},
	}
	p := testPolicy()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := p.Apply([]byte(tc.body))
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			_, ok := req.Doc["service_tier"]
			if ok != tc.keep {
				t.Fatalf("expected service_tier kept=%v, got doc %v", tc.keep, req.Doc)
			}
		})
	}
}

func TestApplyPassesThroughUnknownFields(t *testing.T) {
	p := testPolicy()
	req, err := p.Apply([]byte(`{"stream":true,"seed":12345678901234567890,"tools":[{"type":"function"}],"temperature":0.2}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !req.Stream {
		t.Fatal("expected stream flag to be detected")
	}
	if got := req.Doc["seed"].(json.Number).String(); got != "12345678901234567890" {
		t.Fatalf("expected large integer to survive, got %s", got)
	}
	if _, ok := req.Doc["tools"].([]any); !ok {
		t.Fatalf("expected tools to be preserved, got %T", req.Doc["tools"])
	}
}

func TestApplyStreamFlagMustBeBool(t *testing.T) {
	req, err := testPolicy().Apply([]byte(`{"stream":"true"}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if req.Stream {
		t.Fatal("expected non-bool stream flag to select buffered mode")
	}
}

func TestApplyRejectsMalformedBodies(t *testing.T) {
	for _, body := range []string{``, `   `, `{`, `[]`, `"hi"`, `null`, `42`, `{"a":1} {"b":2}`} {
		if _, err := testPolicy().Apply([]byte(body)); !errors.Is(err, ErrInvalidRequestBody) {
			t.Fatalf("expected ErrInvalidRequestBody for %q, got %v", body, err)
		}
	}
}

func TestModelsKeepsConfigOrderAndIncludesDefault(t *testing.T) {
	got := testPolicy().Models()
	want := []string{"qwen/qwen3-32b", "openai/gpt-oss-120b", "openai/gpt-oss-20b"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
