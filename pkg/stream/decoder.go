package stream

import (
	"bytes"
	"unicode/utf8"
)

// Decoder turns a sequence of network chunks into UTF-8 text fragments.
//
// A multi-byte character split across two chunks is held back until the
// following chunk completes it, so callers never see a replacement character
// caused by a chunk boundary. Byte sequences that can never become valid
// UTF-8 are replaced with U+FFFD as they are seen.
//
// The zero value is ready to use. A Decoder is not safe for concurrent use.
type Decoder struct {
	pending []byte
}

// Decode consumes chunk and returns every character that is now complete.
// The returned string may be empty when chunk only carried the start of a
// character.
func (d *Decoder) Decode(chunk []byte) string {
	if len(chunk) == 0 && len(d.pending) == 0 {
		return ""
	}
	buf := make([]byte, 0, len(d.pending)+len(chunk))
	buf = append(buf, d.pending...)
	buf = append(buf, chunk...)

	cut := completePrefixLen(buf)
	if cut < len(buf) {
		d.pending = append(d.pending[:0], buf[cut:]...)
	} else {
		d.pending = d.pending[:0]
	}
	return toValid(buf[:cut])
}

// Flush ends the stream. An incomplete trailing character cannot be decoded
// any more and is dropped, so Flush returns "" in that case.
func (d *Decoder) Flush() string {
	d.pending = d.pending[:0]
	return ""
}

// Pending reports how many bytes are held back waiting for the next chunk.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

// completePrefixLen returns the length of the longest prefix of buf that does
// not end inside a (so far valid) multi-byte sequence.
func completePrefixLen(buf []byte) int {
	n := len(buf)
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax; i-- {
		if !utf8.RuneStart(buf[i]) {
			continue
		}
		// FullRune is also true for sequences that are already invalid;
		// only a valid-but-short tail is held back.
		if !utf8.FullRune(buf[i:]) {
			return i
		}
		break
	}
	return n
}

func toValid(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return string(bytes.ToValidUTF8(b, []byte(string(utf8.RuneError))))
}
