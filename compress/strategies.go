package compress

import "chatcore/model"

// protectedFrom returns the index of the first message inside the
// preserved tail.
func protectedFrom(n, preserve int) int {
	if preserve >= n {
		return 0
	}
	return n - preserve
}

func dropLowValue(messages []model.Message, preserve int) []model.Message {
	cut := protectedFrom(len(messages), preserve)
	out := make([]model.Message, 0, len(messages))
	for i, m := range messages {
		if i < cut && IsLowValue(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func slidingWindow(messages []model.Message, preserve, threshold int, counter TokenCounter) []model.Message {
	total := Total(messages, counter)
	start := 0
	for len(messages)-start > preserve && total > threshold {
		total -= counter.CountMessage(messages[start])
		start++
	}
	return append([]model.Message(nil), messages[start:]...)
}

func hybrid(messages []model.Message, preserve, threshold int, counter TokenCounter) []model.Message {
	out := dropLowValue(messages, preserve)
	if Total(out, counter) <= threshold {
		return out
	}
	return slidingWindow(out, preserve, threshold, counter)
}
