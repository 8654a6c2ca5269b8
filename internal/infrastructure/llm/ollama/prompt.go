package ollama

import (
	"fmt"
	"strings"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

func buildClassificationPrompt(question string) string {
	const maxSnippet = 2000
	snippet := question
	if len(snippet) > maxSnippet {
		snippet = snippet[:maxSnippet]
	}

	return `You classify user questions for a retrieval system.
Return a strict JSON object with one key "category" whose value is one of:
factual, explanatory, procedural, comparative, creative.
No markdown, no extra keys.

Question:
` + snippet
}

func buildAnswerPrompt(question string, chunks []domain.ScoredChunk) string {
	if len(chunks) == 0 {
		return fmt.Sprintf(`No reference material was found for the question below.
Say that the knowledge base does not cover it and answer only if you are certain.

Question:
%s
`, question)
	}

	var contextBuilder strings.Builder
	for idx, chunk := range chunks {
		fmt.Fprintf(&contextBuilder,
			"[%d] document=%s score=%.3f\n%s\n\n",
			idx+1,
			chunk.Chunk.DocumentID,
			chunk.Score,
			chunk.Chunk.Text,
		)
	}

	return fmt.Sprintf(`Answer user question only from context below.
If context is insufficient, say it directly.

Question:
%s

Context:
%s
`, question, contextBuilder.String())
}
