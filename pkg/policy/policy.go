package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrInvalidRequestBody = errors.New("invalid request body")

var allowedServiceTiers = map[string]struct{}{
	"flex":      {},
	"on_demand": {},
}

// Policy pins the model of every forwarded request to the allow-list.
type Policy struct {
	models       []string
	allowed      map[string]struct{}
	defaultModel string
}

// Request is a filtered completion request ready to forward upstream.
type Request struct {
	Doc    map[string]any
	Body   []byte
	Model  string
	Stream bool
}

func New(allowed []string, defaultModel string) *Policy {
	p := &Policy{
		allowed:      make(map[string]struct{}, len(allowed)+1),
		defaultModel: strings.TrimSpace(defaultModel),
	}
	for _, m := range allowed {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, seen := p.allowed[m]; seen {
			continue
		}
		p.allowed[m] = struct{}{}
		p.models = append(p.models, m)
	}
	if _, ok := p.allowed[p.defaultModel]; !ok && p.defaultModel != "" {
		p.allowed[p.defaultModel] = struct{}{}
		p.models = append(p.models, p.defaultModel)
	}
	return p
}

func (p *Policy) Allowed(model string) bool {
	_, ok := p.allowed[model]
	return ok
}

func (p *Policy) DefaultModel() string {
	return p.defaultModel
}

// Models returns the allow-list in configuration order.
func (p *Policy) Models() []string {
	return append([]string(nil), p.models...)
}

// Apply decodes body, enforces the model and service tier rules and
// re-encodes the result.
func (p *Policy) Apply(body []byte) (Request, error) {
	doc, err := decodeObject(body)
	if err != nil {
		return Request{}, err
	}
	p.ApplyDocument(doc)
	out, err := json.Marshal(doc)
	if err != nil {
		return Request{}, fmt.Errorf("encode request: %w", err)
	}
	stream, _ := doc["stream"].(bool)
	return Request{
		Doc:    doc,
		Body:   out,
		Model:  doc["model"].(string),
		Stream: stream,
	}, nil
}

// ApplyDocument rewrites doc in place.
func (p *Policy) ApplyDocument(doc map[string]any) {
	if tier, ok := doc["service_tier"].(string); !ok || !serviceTierAllowed(tier) {
		delete(doc, "service_tier")
	}
	if model, ok := doc["model"].(string); !ok || !p.Allowed(model) {
		doc["model"] = p.defaultModel
	}
}

func serviceTierAllowed(tier string) bool {
	_, ok := allowedServiceTiers[tier]
	return ok
}

func decodeObject(body []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidRequestBody)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequestBody, err)
	}
	if err := dec.Decode(new(json.RawMessage)); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after json value", ErrInvalidRequestBody)
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a json object", ErrInvalidRequestBody)
	}
	return doc, nil
}
