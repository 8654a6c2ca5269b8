package openai

import (
	"fmt"
	"strings"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

const systemPrompt = `You answer questions using only the numbered context passages you are given.
If the passages do not contain the answer, say so plainly.`

const classificationPrompt = `Classify the user's question for a retrieval system.
Reply with a JSON object {"category": "..."} where category is one of:
factual, explanatory, procedural, comparative, creative.`

func userPrompt(question string, chunks []domain.ScoredChunk) string {
	var b strings.Builder
	b.WriteString("Question:\n")
	b.WriteString(question)
	b.WriteString("\n\nContext:\n")
	if len(chunks) == 0 {
		b.WriteString("(no passages found)\n")
	}
	for i, chunk := range chunks {
		fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, chunk.Chunk.DocumentID, chunk.Chunk.Text)
	}
	return b.String()
}
