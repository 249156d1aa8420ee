// Package budget estimates prompt size and trims conversation history so a
// knowledge-mode prompt (system instruction, up to ten prior messages, and a
// templated question carrying retrieved passages) fits the chat model's input
// window.
//
// Backends tokenize differently, so the estimate is a heuristic: Latin text
// costs about one token per four characters, while CJK and other non-ASCII
// characters cost about one token each. Knowledge bases routinely hold
// Chinese documents, where a pure byte or character ratio would be far off.
package budget

import (
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
)

const (
	// asciiPerToken is the ASCII character-to-token ratio.
	asciiPerToken = 4

	// perMessageOverhead approximates the role and framing tokens each
	// message costs in chat-completion APIs.
	perMessageOverhead = 4

	// DefaultMaxContextTokens is the default input budget. It fits 8k-context
	// models with room left for the answer.
	DefaultMaxContextTokens = 6000
)

// Estimate returns a rough token count for s.
func Estimate(s string) int {
	if s == "" {
		return 0
	}
	ascii, wide := 0, 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		if r < utf8.RuneSelf {
			ascii++
		} else {
			wide++
		}
	}
	n := ascii/asciiPerToken + wide
	if n == 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count of msgs, counting
// role, content and a fixed per-message overhead.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// TrimHistory drops the oldest entries of history until fixed plus history
// fits within maxTokens. fixed (system instruction and the current question)
// is never trimmed. If fixed alone exceeds the budget the result is empty.
func TrimHistory(fixed, history []*schema.Message, maxTokens int) []*schema.Message {
	if len(history) == 0 {
		return history
	}

	fixedTokens := EstimateMessages(fixed)
	for len(history) > 0 {
		if fixedTokens+EstimateMessages(history) <= maxTokens {
			break
		}
		history = history[1:]
	}
	return history
}
