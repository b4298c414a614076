package proxy

import (
	"net/http"
	"strings"

	"github.com/lkarlslund/airelay/pkg/version"
)

type usageSummary struct {
	TotalTokens   int64    `json:"total_tokens"`
	DefaultModel  string   `json:"default_model"`
	AllowedModels []string `json:"allowed_models"`
	Version       string   `json:"version"`
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, usageSummary{
		TotalTokens:   s.metrics.TotalTokens(),
		DefaultModel:  s.policy.DefaultModel(),
		AllowedModels: s.policy.Models(),
		Version:       version.String(),
	})
}

func (s *Server) handleModel(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(strings.Join(s.policy.Models(), ",")))
}

func handleHey(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Hey there!"))
}
