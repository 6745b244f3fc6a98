// Package chunker splits a transcript into bounded-size pieces for the LLM.
package chunker

import "strings"

// Split breaks text into chunks whose accumulated character count stays
// within budget, never splitting a word. Joining the chunks with single
// spaces reconstructs the original token sequence. A word longer than the
// budget becomes its own chunk rather than being cut.
func Split(text string, budget int) []string {
	if budget <= 0 {
		budget = 1
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	chunks := make([]string, 0, len(text)/budget+1)
	var cur []string
	curLen := 0

	for _, w := range words {
		if curLen+len(w) > budget && len(cur) > 0 {
			chunks = append(chunks, strings.Join(cur, " "))
			cur = []string{w}
			curLen = len(w)
			continue
		}
		cur = append(cur, w)
		curLen += len(w) + 1
	}
	if len(cur) > 0 {
		chunks = append(chunks, strings.Join(cur, " "))
	}
	return chunks
}
