// Package api exposes the retrieval core over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dkazakov/opsrag/internal/embedding"
	"github.com/dkazakov/opsrag/internal/pipeline"
	"github.com/dkazakov/opsrag/internal/retrieval"
)

const maxRequestBodySize = 1 << 20 // 1MB

// maxResultLimit caps per-request result counts.
const maxResultLimit = 50

// Retriever is the slice of the pipeline the API layer needs.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts pipeline.Options) ([]retrieval.Result, pipeline.Metadata)
}

// CacheControl exposes embedding-cache introspection for the management
// endpoints.
type CacheControl interface {
	Stats() embedding.Stats
	Clear()
}

// Deps holds dependencies for the HTTP handler. Defaults supplies the
// retrieval options applied when a request leaves them unset.
type Deps struct {
	Retriever Retriever
	Cache     CacheControl
	Defaults  pipeline.Options
}

// RetrieveRequest is the POST /v1/retrieve body. Boolean options are
// pointers so an omitted field falls back to the server default rather
// than to false.
type RetrieveRequest struct {
	Query             string `json:"query"`
	Limit             int    `json:"limit,omitempty"`
	UseChunks         *bool  `json:"use_chunks,omitempty"`
	EnableReranking   *bool  `json:"enable_reranking,omitempty"`
	AdaptiveThreshold *bool  `json:"adaptive_threshold,omitempty"`
}

// RetrieveResponse is the POST /v1/retrieve reply.
type RetrieveResponse struct {
	Results    []retrieval.Result `json:"results"`
	QueryType  string             `json:"query_type"`
	Degraded   bool               `json:"degraded"`
	DurationMs int64              `json:"duration_ms"`
}

// NewHandler returns the HTTP surface of the retrieval daemon.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/v1/retrieve", handleRetrieve(deps))
	r.Get("/v1/cache/stats", handleCacheStats(deps))
	r.Delete("/v1/cache", handleCacheClear(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func handleRetrieve(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RetrieveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}

		opts := deps.Defaults
		if req.Limit > 0 {
			opts.Limit = req.Limit
		}
		if opts.Limit > maxResultLimit {
			opts.Limit = maxResultLimit
		}
		if req.UseChunks != nil {
			opts.UseChunks = *req.UseChunks
		}
		if req.EnableReranking != nil {
			opts.EnableReranking = *req.EnableReranking
		}
		if req.AdaptiveThreshold != nil {
			opts.AdaptiveThreshold = *req.AdaptiveThreshold
		}

		results, meta := deps.Retriever.Retrieve(r.Context(), req.Query, opts)
		if results == nil {
			results = []retrieval.Result{}
		}

		writeJSON(w, RetrieveResponse{
			Results:    results,
			QueryType:  string(meta.Classification.Type),
			Degraded:   meta.EmbeddingDegraded,
			DurationMs: meta.DurationMs,
		})
	}
}

func handleCacheStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.Cache.Stats())
	}
}

func handleCacheClear(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Cache.Clear()
		writeJSON(w, map[string]string{"status": "cleared"})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
