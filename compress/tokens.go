package compress

import (
	"unicode/utf8"

	"chatcore/model"
)

// TokenCounter estimates how many tokens text and messages consume.
type TokenCounter interface {
	CountText(text string) int
	CountMessage(msg model.Message) int
}

// messageOverhead approximates the role and framing tokens each message
// costs on the wire.
const messageOverhead = 4

// RuneCounter is the default estimator: one token per four runes, rounded
// up, plus a fixed per-message overhead.
type RuneCounter struct{}

func (RuneCounter) CountText(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

func (c RuneCounter) CountMessage(msg model.Message) int {
	return c.CountText(msg.Content) + messageOverhead
}

// Total sums the token estimate of every message.
func Total(msgs []model.Message, counter TokenCounter) int {
	total := 0
	for _, m := range msgs {
		total += counter.CountMessage(m)
	}
	return total
}
