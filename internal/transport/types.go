// Package transport defines the outbound delivery kit: the Sender interface
// reminder dispatch talks to, the Target address form, and text chunking
// shared by the platform adapters.
package transport

import (
	"context"
	"strings"
)

// Target addresses one delivery. Exactly one of ChannelID or UserID is set;
// UserID means a direct message.
type Target struct {
	ChannelID string
	UserID    string
}

func (t Target) IsDM() bool { return t.UserID != "" }

// Sender delivers reminder text to a platform. Implementations are safe for
// concurrent SendText calls.
type Sender interface {
	// Name identifies the platform in logs and events ("discord", "telegram").
	Name() string

	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to Target, text string) error
}

// SplitText splits long messages into chunks below limit runes, preferring
// newline boundaries so platform-side truncation never cuts mid-line.
func SplitText(s string, limit int) []string {
	if limit <= 0 {
		return []string{s}
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window,
		// but avoid producing tiny chunks.
		if end < len(rs) {
			cut := -1
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' {
					if i-start >= limit/3 {
						cut = i + 1
						break
					}
				}
			}
			if cut != -1 {
				end = cut
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		if chunk != "" {
			out = append(out, chunk)
		}

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	if len(out) == 0 {
		out = append(out, "")
	}
	return out
}
