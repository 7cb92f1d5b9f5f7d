package advisor

import (
	"fmt"
	"strings"
	"time"
)

// FormatSystemPrompt appends the recent discussion to base. Lines carry a
// relative timestamp and speaker label; an empty history adds nothing.
//
// The formatter is pure and safe for concurrent use.
func FormatSystemPrompt(base string, recent []Entry, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(base))

	// ── Recent discussion ─────────────────────────────────────────────────────
	if len(recent) > 0 {
		sb.WriteString("\n\n## Recent Discussion\n")
		for i, e := range recent {
			if i > 0 {
				sb.WriteByte('\n')
			}
			speaker := e.Speaker
			if speaker == "" {
				speaker = "Unknown"
			}
			fmt.Fprintf(&sb, "[%s] %s: %s", formatRelativeTime(now.Sub(e.At)), speaker, e.Text)
		}
	}
	return sb.String()
}

// formatRelativeTime renders d as "just now", "30s ago", "2m ago" or "1h ago".
func formatRelativeTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < 5*time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
