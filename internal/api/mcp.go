package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dkazakov/opsrag/internal/pipeline"
	"github.com/dkazakov/opsrag/internal/retrieval"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Retriever Retriever
	Cache     CacheControl
	Defaults  pipeline.Options
}

// NewMCPServer creates an MCP server exposing retrieval and cache tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"opsrag",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("opsrag — semantic retrieval over the business-operations knowledge base."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("retrieve_relevant",
			mcp.WithDescription("Semantically search the operations knowledge base and return ranked instructions or document sections."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default from server config)")),
			mcp.WithBoolean("use_chunks", mcp.Description("Search document sections instead of whole documents")),
		),
		mcpRetrieve(deps),
	)

	s.AddTool(
		mcp.NewTool("cache_stats",
			mcp.WithDescription("Return embedding cache statistics (hit rate, size, memory)."),
		),
		mcpCacheStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"cache://stats",
			"Embedding Cache Stats",
			mcp.WithResourceDescription("Current embedding cache statistics as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCacheStats(deps),
	)

	return s
}

func mcpRetrieve(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		opts := deps.Defaults
		if limit := req.GetInt("limit", 0); limit > 0 {
			opts.Limit = limit
		}
		if opts.Limit > maxResultLimit {
			opts.Limit = maxResultLimit
		}
		opts.UseChunks = req.GetBool("use_chunks", opts.UseChunks)

		results, meta := deps.Retriever.Retrieve(ctx, query, opts)
		if results == nil {
			results = []retrieval.Result{}
		}

		b, err := json.Marshal(RetrieveResponse{
			Results:    results,
			QueryType:  string(meta.Classification.Type),
			Degraded:   meta.EmbeddingDegraded,
			DurationMs: meta.DurationMs,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpCacheStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Cache.Stats())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceCacheStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Cache.Stats())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal cache stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
