package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	embedopenai "github.com/user/recall/internal/embedding/openai"
	"github.com/user/recall/internal/pipeline"
	"github.com/user/recall/internal/ratelimit"
	"github.com/user/recall/internal/retriever"
	"github.com/user/recall/internal/server"
	"github.com/user/recall/internal/telegram"
	"github.com/user/recall/internal/vectorstore"
	"github.com/user/recall/internal/vectorstore/qdrant"
	"github.com/user/recall/pkg/llm"
	"github.com/user/recall/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recall server",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "recall.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Evidence store and embedder
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

	// LLM provider
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})

	pipe := pipeline.New(ret, provider)
	srv := server.NewServer(pipe, ret, store, int64(cfg.HTTP.MaxStreams))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Rate limiter shared by the server-side surfaces; its janitor prunes
	// windows whose callers went idle.
	limitStore := ratelimit.NewFileStore(filepath.Join(cfg.DataDir, "ratelimit"))
	limiter := ratelimit.New(limitStore, cfg.RateLimit.Turns,
		time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute)
	janitor, err := ratelimit.NewJanitor(limiter, cfg.RateLimit.PruneSchedule)
	if err != nil {
		return fmt.Errorf("create ratelimit janitor: %w", err)
	}
	janitor.Start()
	defer janitor.Stop()

	slog.Info("recall started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"listen", cfg.HTTP.Listen,
		"max_streams", cfg.HTTP.MaxStreams,
		"llm_model", cfg.LLM.Model,
		"embedding_model", cfg.Embedding.Model,
		"collection", cfg.VectorStore.Collection,
		"pid_file", pidPath,
	)

	// Telegram surface
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, pipe, limiter,
			telegram.WithStats(store.Count),
			// Browsing threshold is looser than the grounding threshold.
			telegram.WithSearch(func(ctx context.Context, query string) ([]vectorstore.Document, error) {
				return ret.SearchPosts(ctx, query, 0.5, 5)
			}))
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: srv,
	}
	go func() {
		slog.Info("http server started", "listen", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("shutting down", "signal", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	return nil
}
