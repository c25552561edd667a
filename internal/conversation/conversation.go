// Package conversation is the per-turn orchestrator: it gates new turns on
// the rate limiter, manages the single in-flight cancellable turn, commits
// finished turns to history, and exposes retry/clear operations.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/recall/internal/citation"
	"github.com/user/recall/internal/embedding"
	"github.com/user/recall/internal/ratelimit"
	"github.com/user/recall/internal/stream"
	"github.com/user/recall/internal/types"
)

// Streamer starts one turn and yields its event stream. It is implemented
// by the in-process pipeline and by the HTTP client.
type Streamer interface {
	StreamTurn(ctx context.Context, req types.TurnRequest) (<-chan stream.Event, error)
}

// State is the orchestrator's position in the turn lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateChecking   State = "checking"
	StateEmbedding  State = "embedding"
	StateRetrieving State = "retrieving"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// ErrCompletionFailed marks a turn that died at or after the completion
// stage. The user's question stays in history so Retry can resend it.
var ErrCompletionFailed = errors.New("completion failed")

// ErrRetryUnavailable rejects Retry outside the failed state.
var ErrRetryUnavailable = errors.New("retry is only available after a failed turn")

// Conversation holds one dialogue's history and its turn state machine.
// A single turn is in flight at a time; starting a new turn cancels the
// prior one rather than queuing it.
type Conversation struct {
	streamer Streamer
	limiter  *ratelimit.Limiter
	limitKey string
	embedder embedding.Embedder

	mu       sync.Mutex
	state    State
	messages []types.ConversationMessage
	// seq identifies the turn allowed to commit. Cancelling, clearing, or
	// starting a new turn bumps it, so a superseded turn's outcome is
	// discarded no matter when it arrives.
	seq     uint64
	cancel  context.CancelFunc
	lastErr error
}

// Option configures a Conversation.
type Option func(*Conversation)

// WithEmbedder makes the conversation embed questions locally so the server
// can skip its embedding call.
func WithEmbedder(e embedding.Embedder) Option {
	return func(c *Conversation) { c.embedder = e }
}

// New creates a Conversation. limitKey is this caller's rate-limit bucket.
func New(streamer Streamer, limiter *ratelimit.Limiter, limitKey string, opts ...Option) *Conversation {
	c := &Conversation{
		streamer: streamer,
		limiter:  limiter,
		limitKey: limitKey,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// turnHooks are the per-turn observer callbacks. They are invoked from the
// turn goroutine and must not call back into the Conversation.
type turnHooks struct {
	onState    func(State)
	onEvidence func([]types.EvidenceDocument)
	onFragment func(string)
	onComplete func(types.ConversationMessage)
	onError    func(error)
}

// TurnOption attaches an observer to one turn.
type TurnOption func(*turnHooks)

// WithOnState observes state transitions.
func WithOnState(fn func(State)) TurnOption {
	return func(h *turnHooks) { h.onState = fn }
}

// WithOnEvidence observes the turn's evidence manifest.
func WithOnEvidence(fn func([]types.EvidenceDocument)) TurnOption {
	return func(h *turnHooks) { h.onEvidence = fn }
}

// WithOnFragment observes answer fragments as they stream in.
func WithOnFragment(fn func(string)) TurnOption {
	return func(h *turnHooks) { h.onFragment = fn }
}

// WithOnComplete observes the committed assistant message.
func WithOnComplete(fn func(types.ConversationMessage)) TurnOption {
	return func(h *turnHooks) { h.onComplete = fn }
}

// WithOnError observes the turn's terminal error.
func WithOnError(fn func(error)) TurnOption {
	return func(h *turnHooks) { h.onError = fn }
}

// State returns the current lifecycle state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() []types.ConversationMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.ConversationMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// LastError returns the most recent turn's terminal error, if any.
func (c *Conversation) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SendMessage starts a new turn. It returns an error only when no turn was
// created: an empty message, a rate-limit rejection, or a rate-limit store
// failure. Otherwise the turn runs asynchronously and reports through the
// turn options.
//
// If a turn is already in flight it is cancelled first; interleaved partial
// answers sharing one history would be incoherent.
func (c *Conversation) SendMessage(ctx context.Context, text string, opts ...TurnOption) error {
	hooks := &turnHooks{}
	for _, opt := range opts {
		opt(hooks)
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("message is required")
	}

	c.mu.Lock()
	c.cancelInFlightLocked()
	c.state = StateChecking
	c.mu.Unlock()
	notifyState(hooks, StateChecking)

	res, err := c.limiter.Check(c.limitKey)
	if err != nil {
		c.toIdle(hooks)
		return fmt.Errorf("rate limit check: %w", err)
	}
	if !res.Allowed {
		c.toIdle(hooks)
		return fmt.Errorf("%w, try again in %s", ratelimit.ErrExceeded, res.ResetIn.Round(time.Second))
	}

	c.mu.Lock()
	// A concurrent SendMessage may have installed its turn between the
	// admission check and here; its context must not outlive supersession.
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.seq++
	seq := c.seq
	history := make([]types.ConversationMessage, len(c.messages))
	copy(history, c.messages)
	c.messages = append(c.messages, types.ConversationMessage{
		Role:      types.RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
	})
	turnCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.lastErr = nil
	c.mu.Unlock()

	go c.runTurn(turnCtx, seq, text, history, hooks)
	return nil
}

// Cancel aborts the in-flight turn, if any. Partial streamed content is
// discarded and nothing is appended to history; the user's question stays.
func (c *Conversation) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancelInFlightLocked()
	c.state = StateCancelled
}

// Retry is valid only after a failed turn: it removes the dangling user
// message and resends the same content, exactly once per invocation.
func (c *Conversation) Retry(ctx context.Context, opts ...TurnOption) error {
	c.mu.Lock()
	if c.state != StateFailed {
		c.mu.Unlock()
		return ErrRetryUnavailable
	}
	var text string
	if n := len(c.messages); n > 0 && c.messages[n-1].Role == types.RoleUser {
		text = c.messages[n-1].Content
		c.messages = c.messages[:n-1]
	}
	c.state = StateIdle
	c.lastErr = nil
	c.mu.Unlock()

	if text == "" {
		return errors.New("no failed message to retry")
	}
	return c.SendMessage(ctx, text, opts...)
}

// ClearMessages cancels any in-flight turn and resets history. Valid from
// any state.
func (c *Conversation) ClearMessages() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelInFlightLocked()
	c.messages = nil
	c.lastErr = nil
	c.state = StateIdle
}

// cancelInFlightLocked cancels the active turn and bumps seq so its
// goroutine can no longer commit. Caller holds c.mu.
func (c *Conversation) cancelInFlightLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.seq++
}

func (c *Conversation) runTurn(ctx context.Context, seq uint64, text string, history []types.ConversationMessage, hooks *turnHooks) {
	req := types.TurnRequest{Message: text, History: history}

	if c.embedder != nil {
		c.setState(seq, StateEmbedding, hooks)
		vec, err := c.embedder.Embed(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Degrades like a retrieval failure: the server embeds instead,
			// or the turn proceeds ungrounded.
			slog.Warn("local embedding failed, deferring to server", "error", err)
		} else {
			req.Embedding = vec
		}
	}

	c.setState(seq, StateRetrieving, hooks)
	events, err := c.streamer.StreamTurn(ctx, req)
	if err != nil {
		c.failTurn(seq, fmt.Errorf("%w: %v", ErrCompletionFailed, err), hooks)
		return
	}

	var manifest []types.EvidenceDocument
	var answer strings.Builder
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Closed with no terminal event: the stream was dropped.
				c.failTurn(seq, fmt.Errorf("%w: %v", ErrCompletionFailed, stream.ErrUnexpectedEnd), hooks)
				return
			}
			switch ev.Type {
			case stream.EventEvidence:
				manifest = ev.Documents
				c.setState(seq, StateStreaming, hooks)
				if hooks.onEvidence != nil {
					hooks.onEvidence(ev.Documents)
				}
			case stream.EventFragment:
				c.setState(seq, StateStreaming, hooks)
				answer.WriteString(ev.Text)
				if hooks.onFragment != nil {
					hooks.onFragment(ev.Text)
				}
			case stream.EventError:
				c.failTurn(seq, fmt.Errorf("%w: %s", ErrCompletionFailed, ev.Message), hooks)
				return
			case stream.EventDone:
				c.finalize(seq, manifest, answer.String(), hooks)
				return
			}
		}
	}
}

// finalize resolves citations, commits the assistant message, and charges
// the turn against the rate limiter. Commits are ordered by completion: a
// superseded turn is discarded here regardless of when it finishes.
func (c *Conversation) finalize(seq uint64, manifest []types.EvidenceDocument, text string, hooks *turnHooks) {
	if !c.setState(seq, StateFinalizing, hooks) {
		return
	}
	citations := citation.Resolve(text, manifest)
	msg := types.ConversationMessage{
		Role:      types.RoleAssistant,
		Content:   text,
		Citations: citations,
		CreatedAt: time.Now(),
	}

	c.mu.Lock()
	if seq != c.seq {
		c.mu.Unlock()
		return
	}
	c.messages = append(c.messages, msg)
	c.cancel = nil
	c.state = StateIdle
	c.mu.Unlock()

	// Quota is consumed only by turns that completed successfully.
	if err := c.limiter.Record(c.limitKey); err != nil {
		slog.Warn("recording turn against rate limit failed", "error", err)
	}
	notifyState(hooks, StateIdle)
	if hooks.onComplete != nil {
		hooks.onComplete(msg)
	}
}

// failTurn parks the conversation in the failed state. The user's message
// stays in history; only Retry removes it before resending.
func (c *Conversation) failTurn(seq uint64, err error, hooks *turnHooks) {
	c.mu.Lock()
	if seq != c.seq {
		c.mu.Unlock()
		return
	}
	c.lastErr = err
	c.cancel = nil
	c.state = StateFailed
	c.mu.Unlock()

	notifyState(hooks, StateFailed)
	if hooks.onError != nil {
		hooks.onError(err)
	}
}

// setState transitions to s if the turn is still current. Returns false
// when the turn was superseded.
func (c *Conversation) setState(seq uint64, s State, hooks *turnHooks) bool {
	c.mu.Lock()
	if seq != c.seq {
		c.mu.Unlock()
		return false
	}
	if c.state == s {
		c.mu.Unlock()
		return true
	}
	c.state = s
	c.mu.Unlock()
	notifyState(hooks, s)
	return true
}

func (c *Conversation) toIdle(hooks *turnHooks) {
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
	notifyState(hooks, StateIdle)
}

func notifyState(hooks *turnHooks, s State) {
	if hooks.onState != nil {
		hooks.onState(s)
	}
}
