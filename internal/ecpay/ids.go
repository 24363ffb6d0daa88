package ecpay

import (
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Gateway length limits.
const (
	MaxTradeNoLength  = 20
	MaxMemberIDLength = 30
)

const timestampWidth = 10

// NewMerchantTradeNo builds prefix + 10-digit unix timestamp + an alphanumeric
// slice of userID, cut to MaxTradeNoLength. Raw fields are never concatenated
// unbounded: the user slice only gets the room that is left.
func NewMerchantTradeNo(prefix, userID string, now time.Time) string {
	return buildID(prefix, userID, now, MaxTradeNoLength)
}

// NewMerchantMemberID builds the mandate holder id, cut to MaxMemberIDLength.
func NewMerchantMemberID(prefix, userID string, now time.Time) string {
	return buildID(prefix+"M", userID, now, MaxMemberIDLength)
}

func buildID(prefix, userID string, now time.Time, limit int) string {
	prefix = alphanumeric(prefix)
	ts := strconv.FormatInt(now.Unix(), 10)
	if len(ts) > timestampWidth {
		ts = ts[len(ts)-timestampWidth:]
	} else if len(ts) < timestampWidth {
		ts = strings.Repeat("0", timestampWidth-len(ts)) + ts
	}

	id := prefix + ts
	if len(id) >= limit {
		return id[:limit]
	}

	user := strings.ToUpper(alphanumeric(userID))
	room := limit - len(id)
	if len(user) > room {
		user = user[:room]
	}
	return id + user
}

func alphanumeric(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SafeText restricts descriptive form fields to printable ASCII without
// markup characters, collapsing runs of whitespace. Empty results fall back
// to fallback.
func SafeText(s, fallback string, maxLen int) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			continue
		}
		switch r {
		case '<', '>', '"', '\'', '&', '`', '\\', '{', '}', '|', '#', '%':
			continue
		case ' ':
			if lastSpace || b.Len() == 0 {
				continue
			}
			lastSpace = true
		default:
			lastSpace = false
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if maxLen > 0 && len(out) > maxLen {
		out = strings.TrimSpace(out[:maxLen])
	}
	if out == "" {
		return fallback
	}
	return out
}
