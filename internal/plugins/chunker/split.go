package chunkerplugin

import (
	"strings"
	"unicode/utf8"
)

// Strategy names a way of cutting text into chunks.
type Strategy string

const (
	// StrategyParagraph groups whole paragraphs until the target size is reached.
	StrategyParagraph Strategy = "paragraph"
	// StrategyFixed cuts fixed-size windows with an overlap.
	StrategyFixed Strategy = "fixed"
)

// Paragraphs splits text on blank lines, falling back to single newlines when
// the text has no blank lines, and groups neighbouring paragraphs while the
// group stays under target characters. A paragraph longer than one and a half
// targets is cut into target-sized pieces.
func Paragraphs(text string, target int) []string {
	if strings.TrimSpace(text) == "" || target <= 0 {
		return nil
	}

	paragraphs := nonBlank(strings.Split(text, "\n\n"))
	if len(paragraphs) == 1 {
		if lines := nonBlank(strings.Split(text, "\n")); len(lines) > 1 {
			paragraphs = lines
		}
	}

	var chunks []string
	var current string
	flush := func() {
		if current != "" {
			chunks = append(chunks, current)
			current = ""
		}
	}

	for _, para := range paragraphs {
		size := utf8.RuneCountInString(para)
		if 2*size > 3*target {
			flush()
			chunks = append(chunks, Fixed(para, target, 0)...)
			continue
		}
		switch {
		case current == "":
			current = para
		case utf8.RuneCountInString(current)+size+2 < target:
			current += "\n\n" + para
		default:
			flush()
			current = para
		}
	}
	flush()
	return chunks
}

// Fixed cuts text into windows of size characters, each starting size-overlap
// characters after the previous one. Whitespace-only windows are dropped.
func Fixed(text string, size, overlap int) []string {
	if strings.TrimSpace(text) == "" || size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{strings.TrimSpace(text)}
	}

	var chunks []string
	step := size - overlap
	for start := 0; start < len(runes); start += step {
		end := min(start+size, len(runes))
		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			chunks = append(chunks, piece)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}

func nonBlank(parts []string) []string {
	out := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
