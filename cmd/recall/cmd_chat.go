package main

import (
	"fmt"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/user/recall/internal/client"
	"github.com/user/recall/internal/conversation"
	embedopenai "github.com/user/recall/internal/embedding/openai"
	"github.com/user/recall/internal/pipeline"
	"github.com/user/recall/internal/ratelimit"
	"github.com/user/recall/internal/retriever"
	"github.com/user/recall/internal/tui"
	"github.com/user/recall/internal/vectorstore/qdrant"
	"github.com/user/recall/pkg/llm"
	"github.com/user/recall/pkg/llm/openai"
)

var chatLocal bool

func init() {
	chatCmd.Flags().BoolVar(&chatLocal, "local", false, "run the pipeline in-process instead of talking to a server")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive chat over the archive",
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	var streamer conversation.Streamer
	var convOpts []conversation.Option
	if chatLocal {
		store := qdrant.New(qdrant.Config{
			URL:        cfg.VectorStore.URL,
			APIKey:     cfg.VectorStore.APIKey,
			Collection: cfg.VectorStore.Collection,
		})
		embedder := embedopenai.New(embedopenai.Config{
			BaseURL: cfg.Embedding.BaseURL,
			APIKey:  cfg.Embedding.APIKey,
			Model:   cfg.Embedding.Model,
		})
		ret, err := retriever.New(embedder, store, retriever.Options{
			Threshold:       cfg.Retrieval.Threshold,
			Limit:           cfg.Retrieval.Limit,
			TokenBudget:     cfg.Retrieval.TokenBudget,
			MaxContentChars: cfg.Retrieval.MaxContentChars,
		})
		if err != nil {
			return fmt.Errorf("create retriever: %w", err)
		}
		provider := openai.New(&llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		})
		streamer = pipeline.New(ret, provider)
	} else {
		streamer = client.New(cfg.ServerURL)
		// Remote turns carry a locally computed embedding so the server can
		// skip its embed call; failures degrade to server-side embedding.
		convOpts = append(convOpts, conversation.WithEmbedder(embedopenai.New(embedopenai.Config{
			BaseURL: cfg.Embedding.BaseURL,
			APIKey:  cfg.Embedding.APIKey,
			Model:   cfg.Embedding.Model,
		})))
	}

	// The rate-limit window survives restarts; quota cannot be reset by
	// quitting the chat.
	limitStore := ratelimit.NewFileStore(filepath.Join(cfg.DataDir, "ratelimit"))
	limiter := ratelimit.New(limitStore, cfg.RateLimit.Turns,
		time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute)

	conv := conversation.New(streamer, limiter, "local", convOpts...)

	program := tea.NewProgram(tui.New(conv), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("run chat: %w", err)
	}
	return nil
}
