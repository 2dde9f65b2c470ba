// Package compress trims conversation history to fit a token budget.
//
// Compress is a pure function: it never mutates its input and returns a
// fresh model.CompressionResult. The budget is whatever the context window
// has left after the system prompt, attachments, memory and the turn being
// sent are reserved:
//
//	budget    = ContextLimit - (SystemPromptTokens + KnowledgeTokens + MemoryTokens + PendingTokens)
//	threshold = budget * ThresholdPercent / 100
//
// History at or below the threshold is returned untouched for every
// strategy. Above it, the selected Strategy removes messages while always
// keeping the PreserveRecentMessages most recent entries verbatim and in
// their original order.
package compress

import (
	"chatcore/config"
	"chatcore/model"

	"go.uber.org/zap"
)

// Strategy selects how history is reduced.
type Strategy string

const (
	// DropLowValue removes short user acknowledgments ("ok", "thanks", 👍).
	DropLowValue Strategy = "drop_low_value"
	// SlidingWindow removes the oldest messages until under threshold.
	SlidingWindow Strategy = "sliding_window"
	// Hybrid runs DropLowValue, then SlidingWindow if still over threshold.
	Hybrid Strategy = "hybrid"
	// Summarize is accepted for configuration compatibility and currently
	// behaves exactly like Hybrid.
	Summarize Strategy = "summarize"
)

// Settings configures one compression pass.
type Settings struct {
	Enabled                bool
	Strategy               Strategy
	ThresholdPercent       int
	PreserveRecentMessages int
	ContextLimit           int

	// Reserved tokens, subtracted from ContextLimit.
	SystemPromptTokens int
	KnowledgeTokens    int
	MemoryTokens       int
	// PendingTokens covers messages sent after the history, such as the
	// new user turn. They are never candidates for removal.
	PendingTokens int
}

// SettingsFromConfig maps the [compression] config section.
func SettingsFromConfig(c config.CompressionConfig) Settings {
	return Settings{
		Enabled:                c.Enabled,
		Strategy:               Strategy(c.Strategy),
		ThresholdPercent:       c.ThresholdPercent,
		PreserveRecentMessages: c.PreserveRecentMessages,
		ContextLimit:           c.ContextLimit,
	}
}

// Budget is the token allowance left for history.
func (s Settings) Budget() int {
	return s.ContextLimit - (s.SystemPromptTokens + s.KnowledgeTokens + s.MemoryTokens + s.PendingTokens)
}

// Threshold is the history size above which compression starts.
func (s Settings) Threshold() int {
	budget := s.Budget()
	if budget <= 0 {
		return 0
	}
	return budget * s.ThresholdPercent / 100
}

// Compress reduces messages according to settings. A nil counter uses
// RuneCounter.
func Compress(messages []model.Message, settings Settings, counter TokenCounter) model.CompressionResult {
	if counter == nil {
		counter = RuneCounter{}
	}

	original := Total(messages, counter)
	result := model.CompressionResult{
		Messages:         append([]model.Message(nil), messages...),
		OriginalTokens:   original,
		CompressedTokens: original,
	}

	threshold := settings.Threshold()
	if !settings.Enabled || original <= threshold {
		return result
	}

	preserve := settings.PreserveRecentMessages
	if preserve < 0 {
		preserve = 0
	}

	var out []model.Message
	switch settings.Strategy {
	case DropLowValue:
		out = dropLowValue(messages, preserve)
	case SlidingWindow:
		out = slidingWindow(messages, preserve, threshold, counter)
	case Summarize:
		config.Logger("compress").Debug("Summarize strategy falls back to hybrid")
		out = hybrid(messages, preserve, threshold, counter)
	default:
		out = hybrid(messages, preserve, threshold, counter)
	}

	result.Messages = out
	result.CompressedTokens = Total(out, counter)
	result.DroppedCount = len(messages) - len(out)
	result.CompressionApplied = result.DroppedCount > 0

	config.Logger("compress").Debug("Compressed history",
		zap.String("strategy", string(settings.Strategy)),
		zap.Int("threshold", threshold),
		zap.Int("original_tokens", result.OriginalTokens),
		zap.Int("compressed_tokens", result.CompressedTokens),
		zap.Int("dropped", result.DroppedCount))

	return result
}
