// Package pipeline coordinates the work that happens around the
// conversation actor: chunking and embedding attachment text, indexing
// web-search snippets, running retrieval queries, and bracketing a send
// attempt with quota reservation. Embedding calls run outside the
// actor's exclusive section; only the final result is committed as one
// serialized mutation.
package pipeline

import "strings"

// DefaultChunkBudget is the maximum chunk size in runes.
const DefaultChunkBudget = 1200

// SplitText splits text into chunks of at most budget runes, preferring
// paragraph boundaries. Paragraphs that fit the budget are packed
// together; an oversized paragraph is hard-split on the rune budget.
func SplitText(text string, budget int) []string {
	if budget <= 0 {
		budget = DefaultChunkBudget
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	var current strings.Builder
	currentRunes := 0

	flush := func() {
		if currentRunes > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			currentRunes = 0
		}
	}

	for _, paragraph := range strings.Split(text, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		runes := []rune(paragraph)

		if len(runes) > budget {
			flush()
			for start := 0; start < len(runes); start += budget {
				end := start + budget
				if end > len(runes) {
					end = len(runes)
				}
				chunks = append(chunks, string(runes[start:end]))
			}
			continue
		}

		// +2 accounts for the paragraph separator.
		if currentRunes > 0 && currentRunes+2+len(runes) > budget {
			flush()
		}
		if currentRunes > 0 {
			current.WriteString("\n\n")
			currentRunes += 2
		}
		current.WriteString(paragraph)
		currentRunes += len(runes)
	}
	flush()
	return chunks
}
