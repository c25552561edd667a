package telegram

import (
	"strings"
	"testing"

	"github.com/user/recall/internal/types"
	"github.com/user/recall/internal/vectorstore"
)

func TestSplitMessage(t *testing.T) {
	short := "Hello world"
	parts := splitMessage(short)
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if parts[0] != short {
		t.Errorf("expected %q, got %q", short, parts[0])
	}
}

func TestSplitMessageLong(t *testing.T) {
	long := strings.Repeat("a", 5000)
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len(parts[0]) != maxTelegramMessage {
		t.Errorf("expected first part length %d, got %d", maxTelegramMessage, len(parts[0]))
	}
}

func TestFormatAnswer_NoCitations(t *testing.T) {
	msg := types.ConversationMessage{Role: types.RoleAssistant, Content: "No sources here."}
	got := formatAnswer(msg)
	if got != "No sources here." {
		t.Errorf("expected answer unchanged, got %q", got)
	}
}

func TestFormatSearchResults_Empty(t *testing.T) {
	if got := formatSearchResults(nil); got != "No matching posts." {
		t.Errorf("expected empty-result message, got %q", got)
	}
}

func TestFormatSearchResults(t *testing.T) {
	docs := []vectorstore.Document{
		{ID: "a", Content: "the launch slipped to March\nsecond line dropped", Author: "alice", SourceURL: "https://example.com/1", Similarity: 0.82},
		{ID: "b", Content: "budget cut in February", Similarity: 0.61},
	}
	got := formatSearchResults(docs)

	if !strings.Contains(got, "1. alice (82% match)") {
		t.Errorf("missing first result header, got %q", got)
	}
	if !strings.Contains(got, "the launch slipped to March") {
		t.Error("missing first result content")
	}
	if strings.Contains(got, "second line dropped") {
		t.Error("preview must keep only the first line")
	}
	if !strings.Contains(got, "https://example.com/1") {
		t.Error("missing source URL")
	}
	if !strings.Contains(got, "2. (61% match)") {
		t.Errorf("missing second result header, got %q", got)
	}
}

func TestPreviewContent_Truncates(t *testing.T) {
	long := strings.Repeat("x", 300)
	got := previewContent(long)
	if len([]rune(got)) != 203 {
		t.Errorf("expected 200 runes plus ellipsis, got %d", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected ellipsis suffix, got %q", got[len(got)-10:])
	}
}

func TestFormatAnswer_WithCitations(t *testing.T) {
	msg := types.ConversationMessage{
		Role:    types.RoleAssistant,
		Content: "The launch happened in March [1] and was delayed once [2].",
		Citations: []types.Citation{
			{RankIndex: 1, DocumentID: "a", Author: "alice", SourceURL: "https://example.com/1"},
			{RankIndex: 2, DocumentID: "b", Author: "bob"},
		},
	}
	got := formatAnswer(msg)
	if !strings.Contains(got, "Sources:") {
		t.Fatalf("expected sources section, got %q", got)
	}
	if !strings.Contains(got, "[1] alice https://example.com/1") {
		t.Errorf("expected first source line, got %q", got)
	}
	if !strings.Contains(got, "[2] bob") {
		t.Errorf("expected second source line, got %q", got)
	}
}
