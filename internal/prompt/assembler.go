// Package prompt renders a turn's evidence into a single grounding
// instruction for the model. Pure functions only: deterministic output for
// the same input, no clocks, no I/O.
package prompt

import (
	"fmt"
	"strings"

	"github.com/user/recall/internal/types"
	"github.com/user/recall/pkg/llm"
)

const framing = `You are an assistant answering questions about the user's personal archive of saved social-media posts. Answer from the saved posts below whenever possible.`

const citeDirective = `When a claim is drawn from a specific post above, cite it with its bracketed number, e.g. [1]. Only cite numbers that appear in the list.`

const noEvidence = `No saved posts matched this question. Say so explicitly, then answer from general knowledge if you can, making clear the answer is not grounded in the archive.`

// System builds the grounding instruction for one turn. Evidence entries
// are enumerated with their rank index in square brackets; the same indices
// are the citation markers the model is told to use.
func System(docs []types.EvidenceDocument) string {
	var b strings.Builder
	b.WriteString(framing)
	b.WriteString("\n\n")

	if len(docs) == 0 {
		b.WriteString(noEvidence)
		return b.String()
	}

	b.WriteString("Saved posts:\n\n")
	for _, doc := range docs {
		b.WriteString(fmt.Sprintf("[%d]", doc.RankIndex))
		if doc.Author != "" {
			b.WriteString(" " + doc.Author)
		}
		if doc.PostedAt != "" {
			b.WriteString(" (" + doc.PostedAt + ")")
		}
		if doc.SourceURL != "" {
			b.WriteString(" " + doc.SourceURL)
		}
		b.WriteString("\n")
		b.WriteString(doc.Content)
		b.WriteString("\n\n")
	}
	b.WriteString(citeDirective)
	return b.String()
}

// Messages assembles the completion request: the grounding instruction,
// prior turns as separate messages so the exchange stays legible as a
// dialogue, then the raw question.
func Messages(system string, history []types.ConversationMessage, question string) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: system})
	for _, msg := range history {
		messages = append(messages, llm.Message{Role: string(msg.Role), Content: msg.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: question})
	return messages
}
