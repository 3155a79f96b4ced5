package scanning

import (
	"strings"
)

// cleanTranscript strips the wrapping that vision models add around plain
// text answers and reports ErrNoText for the blank-image marker
func cleanTranscript(text string) (string, error) {
	text = strings.TrimSpace(text)

	// Models sometimes fence the answer despite the prompt
	if strings.HasPrefix(text, "```") {
		if nl := strings.Index(text, "\n"); nl >= 0 {
			text = text[nl+1:]
		} else {
			text = strings.TrimLeft(text, "`")
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	text = strings.TrimSpace(strings.Join(lines, "\n"))

	if text == "" || strings.EqualFold(text, noTextMarker) {
		return "", ErrNoText
	}
	return text, nil
}
