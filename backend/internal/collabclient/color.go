package collabclient

import "unicode/utf16"

var palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A",
	"#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E2",
}

// ColorFor maps a user ID to a palette color. The hash runs over UTF-16 code
// units with 32-bit wraparound so existing users keep their colors.
func ColorFor(userID string) string {
	var hash int32
	for _, u := range utf16.Encode([]rune(userID)) {
		hash = int32(u) + ((hash << 5) - hash)
	}
	idx := int64(hash)
	if idx < 0 {
		idx = -idx
	}
	return palette[idx%int64(len(palette))]
}
