package stt

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Word is per-word metadata reported when word output is enabled.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Conf  float64 `json:"conf"`
}

// Result is a parsed decoder hypothesis. Final results carry Text, partial
// ones carry Partial.
type Result struct {
	Text    string `json:"text"`
	Partial string `json:"partial"`
	Words   []Word `json:"result,omitempty"`
}

// ParseResult decodes the engine's JSON output.
func ParseResult(raw string) (Result, error) {
	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return Result{}, fmt.Errorf("decode recognizer result: %w", err)
	}
	res.Text = strings.TrimSpace(res.Text)
	res.Partial = strings.TrimSpace(res.Partial)
	return res, nil
}

// Excerpt returns the trailing n runes of text, prefixed with "..." when
// something was cut.
func Excerpt(text string, n int) string {
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return "..." + string(runes[len(runes)-n:])
}
