package contextstore

// EstimateTokens approximates the token count of text without a tokenizer:
// one token per 4 characters, or per 2 characters when at least half of the
// text is Japanese script, which tokenizes far denser than Latin text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	total := 0
	japanese := 0
	for _, r := range text {
		total++
		if isJapanese(r) {
			japanese++
		}
	}
	if float64(japanese)/float64(total) >= 0.5 {
		return (total + 1) / 2
	}
	return (total + 3) / 4
}

// TruncateToTokens cuts text so its estimate does not exceed maxTokens.
// The cut is on a rune boundary.
func TruncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if EstimateTokens(text) <= maxTokens {
		return text
	}
	runes := []rune(text)
	// Worst case is 2 chars per token, so start there and shrink.
	n := maxTokens * 2
	if n > len(runes) {
		n = len(runes)
	}
	for n > 0 && EstimateTokens(string(runes[:n])) > maxTokens {
		n--
	}
	return string(runes[:n])
}

func isJapanese(r rune) bool {
	switch {
	case r >= 0x3040 && r <= 0x309F: // hiragana
		return true
	case r >= 0x30A0 && r <= 0x30FF: // katakana
		return true
	case r >= 0x4E00 && r <= 0x9FFF: // CJK unified ideographs
		return true
	case r >= 0xFF66 && r <= 0xFF9D: // halfwidth katakana
		return true
	}
	return false
}
