package notify

import "strings"

const DefaultChunkRunes = 1200

// splitChunks breaks a long result into readable pieces, preferring paragraph
// breaks, then line breaks, then sentence ends, before hard-splitting.
func splitChunks(text string, maxRunes int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxRunes <= 0 {
		maxRunes = DefaultChunkRunes
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= maxRunes {
			chunks = append(chunks, strings.TrimSpace(string(runes)))
			break
		}
		cut := splitPoint(runes, maxRunes)
		chunk := strings.TrimSpace(string(runes[:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = runes[cut:]
		for len(runes) > 0 && (runes[0] == '\n' || runes[0] == ' ') {
			runes = runes[1:]
		}
	}
	return chunks
}

func splitPoint(runes []rune, maxRunes int) int {
	window := string(runes[:maxRunes])
	for _, sep := range []string{"\n\n", "\n", ". ", "! ", "? "} {
		if idx := strings.LastIndex(window, sep); idx > 0 {
			return len([]rune(window[:idx+len(sep)]))
		}
	}
	return maxRunes
}
