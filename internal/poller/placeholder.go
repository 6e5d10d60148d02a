package poller

import (
	"strings"

	"golang.org/x/text/width"
)

// Sentinel texts the backend (or this bridge) writes while a reply is still
// being generated.
const (
	TextGenerating   = "（后台生成中…）"
	TextProcessing   = "（处理中，请稍候…）"
	TextNoOutput     = "（模型生成中或无输出）"
	TextNoTextOutput = "（模型生成完成，但无文本输出）"
	TextAcknowledged = "⌛ 已收到请求，正在生成解答…"
	textBareEllipsis = "…"
)

var sentinels = func() map[string]bool {
	m := make(map[string]bool)
	for _, s := range []string{
		"", textBareEllipsis,
		TextGenerating, TextProcessing, TextNoOutput, TextNoTextOutput, TextAcknowledged,
	} {
		m[normalize(s)] = true
	}
	return m
}()

var placeholderKeys = func() []string {
	keys := []string{"后台生成中", "后台处理中", "处理中，请稍候", "模型生成中或无输出"}
	for i, k := range keys {
		keys[i] = normalize(k)
	}
	return keys
}()

// normalize folds full-width and half-width variants to one form so "(" and
// "（" compare equal, and maps "..." to "…".
func normalize(s string) string {
	s = width.Fold.String(strings.TrimSpace(s))
	return strings.ReplaceAll(s, "...", "…")
}

// IsPlaceholder reports whether s is empty or one of the "still generating"
// texts, tolerant of punctuation width and ellipsis spelling.
func IsPlaceholder(s string) bool {
	t := normalize(s)
	if sentinels[t] {
		return true
	}
	for _, k := range placeholderKeys {
		if strings.Contains(t, k) {
			return true
		}
	}
	return false
}
