// Package telegram bridges Telegram chats to conversations: each chat gets
// its own history and rate-limit bucket, and streamed answers are delivered
// as complete messages with their sources appended.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/recall/internal/conversation"
	"github.com/user/recall/internal/ratelimit"
	"github.com/user/recall/internal/types"
	"github.com/user/recall/internal/vectorstore"
)

const maxTelegramMessage = 4096

// Adapter long-polls Telegram and routes each chat's questions through its
// own conversation.
type Adapter struct {
	bot      *tgbotapi.BotAPI
	streamer conversation.Streamer
	limiter  *ratelimit.Limiter
	stats    func(ctx context.Context) (int64, error)
	search   SearchFunc

	mu    sync.Mutex
	convs map[int64]*conversation.Conversation
}

// SearchFunc runs a direct archive search for the /search command.
type SearchFunc func(ctx context.Context, query string) ([]vectorstore.Document, error)

// Option configures an Adapter.
type Option func(*Adapter)

// WithStats enables the /stats command, backed by the given archive counter.
func WithStats(fn func(ctx context.Context) (int64, error)) Option {
	return func(a *Adapter) { a.stats = fn }
}

// WithSearch enables the /search command.
func WithSearch(fn SearchFunc) Option {
	return func(a *Adapter) { a.search = fn }
}

// New creates a Telegram adapter.
func New(token string, streamer conversation.Streamer, limiter *ratelimit.Limiter, opts ...Option) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := &Adapter{
		bot:      bot,
		streamer: streamer,
		limiter:  limiter,
		convs:    make(map[int64]*conversation.Conversation),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Start begins long-polling for Telegram updates. It blocks until ctx is
// cancelled.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

// conversationFor returns the chat's conversation, creating it on first use.
func (a *Adapter) conversationFor(chatID int64) *conversation.Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	conv, ok := a.convs[chatID]
	if !ok {
		key := types.NewLimitKey("telegram", strconv.FormatInt(chatID, 10))
		conv = conversation.New(a.streamer, a.limiter, string(key))
		a.convs[chatID] = conv
	}
	return conv
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}
	a.ask(ctx, msg.Chat.ID, msg.Text)
}

// ask submits one question. Telegram has no token-by-token delivery, so
// fragments accumulate in the conversation and the committed message is sent
// whole when the turn finishes.
func (a *Adapter) ask(ctx context.Context, chatID int64, text string) {
	conv := a.conversationFor(chatID)

	err := conv.SendMessage(ctx, text,
		conversation.WithOnComplete(func(m types.ConversationMessage) {
			a.sendResponse(chatID, formatAnswer(m))
		}),
		conversation.WithOnError(func(err error) {
			slog.Error("telegram turn failed", "chat_id", chatID, "error", err)
			a.sendResponse(chatID, "Sorry, I could not answer that. Send /retry to try again.")
		}),
	)
	if err != nil {
		if errors.Is(err, ratelimit.ErrExceeded) {
			a.sendResponse(chatID, "You have reached the conversation limit. "+err.Error()+".")
			return
		}
		slog.Error("telegram send failed", "chat_id", chatID, "error", err)
		a.sendResponse(chatID, "Sorry, I encountered an error processing your message.")
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, "Hello! Ask me anything about the archived posts and I'll answer with sources.")

	case "clear":
		a.conversationFor(chatID).ClearMessages()
		a.sendResponse(chatID, "Conversation cleared.")

	case "retry":
		conv := a.conversationFor(chatID)
		err := conv.Retry(ctx,
			conversation.WithOnComplete(func(m types.ConversationMessage) {
				a.sendResponse(chatID, formatAnswer(m))
			}),
			conversation.WithOnError(func(err error) {
				slog.Error("telegram retry failed", "chat_id", chatID, "error", err)
				a.sendResponse(chatID, "Sorry, that failed again. Send /retry to try once more.")
			}),
		)
		if err != nil {
			if errors.Is(err, conversation.ErrRetryUnavailable) {
				a.sendResponse(chatID, "Nothing to retry.")
				return
			}
			if errors.Is(err, ratelimit.ErrExceeded) {
				a.sendResponse(chatID, "You have reached the conversation limit. "+err.Error()+".")
				return
			}
			a.sendResponse(chatID, "Sorry, I encountered an error processing your retry.")
		}

	case "search":
		if a.search == nil {
			a.sendResponse(chatID, "Search is not available.")
			return
		}
		query := strings.TrimSpace(msg.CommandArguments())
		if query == "" {
			a.sendResponse(chatID, "Usage: /search <query>")
			return
		}
		docs, err := a.search(ctx, query)
		if err != nil {
			slog.Error("telegram search failed", "chat_id", chatID, "error", err)
			a.sendResponse(chatID, "Sorry, the search failed. Try again in a moment.")
			return
		}
		a.sendResponse(chatID, formatSearchResults(docs))

	case "stats":
		if a.stats == nil {
			a.sendResponse(chatID, "Stats are not available.")
			return
		}
		count, err := a.stats(ctx)
		if err != nil {
			slog.Error("telegram stats failed", "chat_id", chatID, "error", err)
			a.sendResponse(chatID, "Sorry, I could not read the archive stats.")
			return
		}
		a.sendResponse(chatID, fmt.Sprintf("Archived posts: %d", count))

	case "help":
		a.sendResponse(chatID, helpText)

	default:
		a.sendResponse(chatID, "Unknown command. Send /help for the list.")
	}
}

const helpText = `Send any message to ask a question about the archived posts.

Commands:
/search <query> - find posts without asking the model
/clear - start a fresh conversation
/retry - resend the last question after a failure
/stats - archive size
/help - this message`

// formatSearchResults renders direct search hits, one numbered block per
// post.
func formatSearchResults(docs []vectorstore.Document) string {
	if len(docs) == 0 {
		return "No matching posts."
	}
	var b strings.Builder
	b.WriteString("Found posts:")
	for i, d := range docs {
		b.WriteString(fmt.Sprintf("\n\n%d.", i+1))
		if d.Author != "" {
			b.WriteString(" " + d.Author)
		}
		b.WriteString(fmt.Sprintf(" (%.0f%% match)", d.Similarity*100))
		b.WriteString("\n" + previewContent(d.Content))
		if d.SourceURL != "" {
			b.WriteString("\n" + d.SourceURL)
		}
	}
	return b.String()
}

// previewContent keeps the first line of a post, capped at 200 runes.
func previewContent(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200]) + "..."
	}
	return s
}

// formatAnswer appends the cited sources below the answer text.
func formatAnswer(m types.ConversationMessage) string {
	if len(m.Citations) == 0 {
		return m.Content
	}
	var b strings.Builder
	b.WriteString(m.Content)
	b.WriteString("\n\nSources:")
	for _, c := range m.Citations {
		b.WriteString(fmt.Sprintf("\n[%d]", c.RankIndex))
		if c.Author != "" {
			b.WriteString(" " + c.Author)
		}
		if c.SourceURL != "" {
			b.WriteString(" " + c.SourceURL)
		}
	}
	return b.String()
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				slog.Error("sending telegram message failed", "chat_id", chatID, "error", err)
			}
		}
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
