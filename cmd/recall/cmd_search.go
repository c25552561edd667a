package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/recall/internal/client"
)

var (
	searchThreshold float64
	searchLimit     int
)

func init() {
	searchCmd.Flags().Float64Var(&searchThreshold, "threshold", 0.5, "minimum similarity (0..1)")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "maximum results")
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statsCmd)
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the archive directly, without asking the model",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		query := strings.Join(args, " ")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		c := client.New(cfg.ServerURL)
		results, err := c.SearchPosts(ctx, query, searchThreshold, searchLimit)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		if len(results) == 0 {
			fmt.Fprintln(os.Stdout, "No matching posts.")
			return nil
		}
		for _, doc := range results {
			fmt.Fprintf(os.Stdout, "[%d] %.1f%%", doc.RankIndex, doc.Similarity*100)
			if doc.Author != "" {
				fmt.Fprintf(os.Stdout, " %s", doc.Author)
			}
			if doc.PostedAt != "" {
				fmt.Fprintf(os.Stdout, " (%s)", doc.PostedAt)
			}
			fmt.Fprintln(os.Stdout)
			fmt.Fprintln(os.Stdout, "    "+firstLine(doc.Content))
			if doc.SourceURL != "" {
				fmt.Fprintln(os.Stdout, "    "+doc.SourceURL)
			}
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show archive statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		c := client.New(cfg.ServerURL)
		count, err := c.Stats(ctx)
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Archived posts: %d\n", count)
		return nil
	},
}

// firstLine truncates content to a single preview line.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 160
	if len(s) > max {
		runes := []rune(s)
		if len(runes) > max {
			return string(runes[:max]) + "..."
		}
	}
	return s
}
