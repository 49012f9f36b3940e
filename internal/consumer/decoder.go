package consumer

import (
	"strings"
	"unicode/utf8"
)

// utf8Decoder turns byte chunks into text without splitting a multi-byte
// rune across two results.
type utf8Decoder struct {
	pending []byte
}

func (d *utf8Decoder) Decode(p []byte) string {
	buf := append(d.pending, p...)
	cut := len(buf)
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if utf8.RuneStart(buf[i]) {
			if !utf8.FullRune(buf[i:]) {
				cut = i
			}
			break
		}
	}
	out := string(buf[:cut])
	d.pending = append([]byte(nil), buf[cut:]...)
	return out
}

// Flush returns whatever is left, with invalid bytes replaced.
func (d *utf8Decoder) Flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	out := strings.ToValidUTF8(string(d.pending), string(utf8.RuneError))
	d.pending = nil
	return out
}
