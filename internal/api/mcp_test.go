package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dkazakov/opsrag/internal/embedding"
	"github.com/dkazakov/opsrag/internal/pipeline"
	"github.com/dkazakov/opsrag/internal/retrieval"
)

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func TestMCPRetrieveTool(t *testing.T) {
	var gotOpts pipeline.Options
	deps := MCPDeps{
		Retriever: &mockRetriever{
			retrieveFn: func(_ context.Context, query string, opts pipeline.Options) ([]retrieval.Result, pipeline.Metadata) {
				gotOpts = opts
				return []retrieval.Result{{Title: "Escalation policy", Similarity: 0.9}}, pipeline.Metadata{ResultCount: 1}
			},
		},
		Defaults: pipeline.Options{Limit: 5, EnableReranking: true},
	}

	handler := mcpRetrieve(deps)
	result, err := handler(context.Background(), makeCallToolRequest("retrieve_relevant", map[string]interface{}{
		"query": "escalation",
		"limit": float64(3),
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	if gotOpts.Limit != 3 {
		t.Errorf("limit = %d, want 3", gotOpts.Limit)
	}
	if !gotOpts.EnableReranking {
		t.Error("server defaults must carry through to tool calls")
	}

	var resp RetrieveResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("decoding tool output: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Title != "Escalation policy" {
		t.Errorf("unexpected results: %+v", resp.Results)
	}
}

func TestMCPRetrieveToolRequiresQuery(t *testing.T) {
	deps := MCPDeps{
		Retriever: &mockRetriever{
			retrieveFn: func(context.Context, string, pipeline.Options) ([]retrieval.Result, pipeline.Metadata) {
				t.Fatal("retriever must not be called without a query")
				return nil, pipeline.Metadata{}
			},
		},
	}

	result, err := mcpRetrieve(deps)(context.Background(), makeCallToolRequest("retrieve_relevant", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing query")
	}
}

func TestMCPCacheStatsTool(t *testing.T) {
	deps := MCPDeps{
		Cache: &mockCache{stats: embedding.Stats{Hits: 4, Misses: 1, TotalRequests: 5, HitRate: 0.8}},
	}

	result, err := mcpCacheStats(deps)(context.Background(), makeCallToolRequest("cache_stats", nil))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}

	text := toolText(t, result)
	if !strings.Contains(text, `"hit_rate":0.8`) {
		t.Errorf("stats output missing hit rate: %s", text)
	}
}

func TestMCPCacheStatsResource(t *testing.T) {
	deps := MCPDeps{
		Cache: &mockCache{stats: embedding.Stats{Entries: 12}},
	}

	contents, err := mcpResourceCacheStats(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "cache://stats"},
	})
	if err != nil {
		t.Fatalf("resource error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("got %d contents, want 1", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.URI != "cache://stats" || !strings.Contains(tc.Text, `"entries":12`) {
		t.Errorf("unexpected resource contents: %+v", tc)
	}
}
