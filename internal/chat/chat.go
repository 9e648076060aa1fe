// Package chat is the message surface between the owner and the agent.
package chat

import (
	"context"
	"time"
)

// Message is one inbound chat message.
type Message struct {
	ChatID   int64
	UserID   int64
	Username string
	Text     string
	Date     time.Time
}

// Channel receives inbound messages and sends replies.
type Channel interface {
	// Receive blocks until at least one message arrives, the poll times out
	// (returning no messages) or ctx is done.
	Receive(ctx context.Context) ([]Message, error)
	Send(ctx context.Context, chatID int64, text string) error
}

// MaxMessageLen is the longest text a single Telegram message may carry.
const MaxMessageLen = 4096

// Split breaks text into chunks of at most max bytes, preferring newline
// boundaries and never cutting a UTF-8 sequence.
func Split(text string, max int) []string {
	if max <= 0 {
		max = MaxMessageLen
	}
	if len(text) <= max {
		return []string{text}
	}
	var parts []string
	for len(text) > max {
		cut := max
		for cut > 0 && !startsRune(text[cut]) {
			cut--
		}
		if nl := lastNewline(text[:cut]); nl > max/2 {
			cut = nl + 1
		}
		if cut == 0 {
			cut = max
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

func startsRune(b byte) bool { return b&0xC0 != 0x80 }

func lastNewline(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}
