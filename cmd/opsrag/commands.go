package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dkazakov/opsrag/internal/api"
	"github.com/dkazakov/opsrag/internal/config"
	"github.com/dkazakov/opsrag/internal/embedding"
)

var (
	queryLimit     int
	queryUseChunks bool
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Search the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := api.RetrieveRequest{Query: strings.Join(args, " ")}
		if queryLimit > 0 {
			req.Limit = queryLimit
		}
		if queryUseChunks {
			req.UseChunks = &queryUseChunks
		}

		var resp api.RetrieveResponse
		if err := client.post(cmd.Context(), "/v1/retrieve", req, &resp); err != nil {
			return err
		}

		if resp.Degraded {
			printWarning("embedding service unavailable; results ranked by priority only")
		}
		if len(resp.Results) == 0 {
			fmt.Println("no results")
			return nil
		}

		for i, res := range resp.Results {
			fmt.Printf("%s %s %s\n",
				colorize(colorBold, fmt.Sprintf("%d.", i+1)),
				colorize(colorCyan, res.Title),
				colorize(colorYellow, fmt.Sprintf("(%.2f)", res.Similarity)))
			if res.IsChunk {
				fmt.Printf("   %s\n", colorize(colorBold, fmt.Sprintf("section %d/%d", res.ChunkIndex+1, res.TotalChunks)))
			}
			content := res.Content
			if len(content) > 300 {
				content = content[:300] + "..."
			}
			fmt.Printf("   %s\n\n", content)
		}
		fmt.Printf("%d results (%s, %dms)\n", len(resp.Results), resp.QueryType, resp.DurationMs)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show embedding cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var stats embedding.Stats
		if err := client.get(cmd.Context(), "/v1/cache/stats", &stats); err != nil {
			return err
		}

		printStatus("Requests", "%d (%d hits, %d misses)", stats.TotalRequests, stats.Hits, stats.Misses)
		printStatus("Hit rate", "%.1f%%", stats.HitRate*100)
		printStatus("Entries", "%d", stats.Entries)
		printStatus("Memory", "%.1f MB", float64(stats.MemoryBytes)/(1024*1024))
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the embedding cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop all cached embeddings",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.delete(cmd.Context(), "/v1/cache"); err != nil {
			return err
		}
		printSuccess("Cache cleared")
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage opsrag configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadLenient()
		if err != nil {
			return err
		}
		for _, e := range config.ShowAll(cfg) {
			fmt.Printf("%s = %s\n", colorize(colorBold, e.Key), e.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			if strings.Contains(err.Error(), "unknown config key") {
				return fmt.Errorf("%w\nvalid keys: %s", err, strings.Join(config.ValidKeys(), ", "))
			}
			return err
		}
		printSuccess("Set %s", colorize(colorBold, args[0]))
		return nil
	},
}

func init() {
	queryCmd.Flags().IntVarP(&queryLimit, "limit", "n", 0, "maximum number of results")
	queryCmd.Flags().BoolVar(&queryUseChunks, "chunks", false, "search document sections instead of whole documents")

	cacheCmd.AddCommand(cacheClearCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
