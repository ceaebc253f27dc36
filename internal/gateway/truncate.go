package gateway

import (
	"fmt"
	"unicode/utf8"
)

// TruncateWithNotice caps s to at most limit bytes, prepending a notice that
// states how many bytes were omitted. The cut lands on a UTF-8 rune boundary
// so the result never contains a partial multi-byte sequence. Strings within
// the limit are returned unchanged.
func TruncateWithNotice(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}

	// Size the notice with the worst-case omitted count first, then recompute
	// it with the real value; a shorter count only frees room.
	notice := truncationNotice(len(s), len(s))
	room := limit - len(notice)
	if room < 0 {
		// Limit too small for the notice itself. A bare cut still honors
		// the byte cap.
		return truncateOnRuneBoundary(s, limit)
	}
	cut := truncateOnRuneBoundary(s, room)
	notice = truncationNotice(len(s)-len(cut), len(s))
	return notice + cut
}

func truncationNotice(omitted, total int) string {
	return fmt.Sprintf("[tool response truncated: %d of %d bytes omitted]\n", omitted, total)
}

// truncateOnRuneBoundary cuts s to at most max bytes without splitting a rune.
func truncateOnRuneBoundary(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
