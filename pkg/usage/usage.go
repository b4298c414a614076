// Package usage reads token accounting metadata out of completion responses.
package usage

import (
	"encoding/json"
	"math"
)

// ExtractTokens returns usage.total_tokens for buffered responses and
// x_groq.usage.total_tokens for streamed events.
func ExtractTokens(doc any, streaming bool) (int64, bool) {
	root, ok := doc.(map[string]any)
	if !ok {
		return 0, false
	}
	if streaming {
		root, ok = root["x_groq"].(map[string]any)
		if !ok {
			return 0, false
		}
	}
	u, ok := root["usage"].(map[string]any)
	if !ok {
		return 0, false
	}
	return integer(u["total_tokens"])
}

// HasStreamUsage reports whether a streamed event carries the provider usage
// annotation that marks the terminal event.
func HasStreamUsage(doc map[string]any) bool {
	x, ok := doc["x_groq"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = x["usage"].(map[string]any)
	return ok
}

// Strip returns a shallow copy of doc without the top-level usage key.
// doc itself is left untouched.
func Strip(doc map[string]any) map[string]any {
	if _, ok := doc["usage"]; !ok {
		return doc
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "usage" {
			continue
		}
		out[k] = v
	}
	return out
}

func integer(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatInteger(f)
	case float64:
		return floatInteger(n)
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func floatInteger(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
