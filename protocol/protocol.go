// Package protocol implements the text framing used on the string channel.
//
// The channel may be shared with unrelated traffic, so every protocol message
// starts with a fixed tag. The receiver checks the tag first and ignores
// anything that does not carry it, the same way a binary protocol rejects
// frames with a wrong magic number.
//
// Frame format:
//
//	postling:{"type":"REQUEST","id":"...","payload":{...}}
//	└──tag──┘└──────────────── body ──────────────────────┘
package protocol

import "strings"

// Tag prefixes every protocol message.
const Tag = "postling:"

// Wrap prefixes body with the protocol tag.
func Wrap(body []byte) string {
	var b strings.Builder
	b.Grow(len(Tag) + len(body))
	b.WriteString(Tag)
	b.Write(body)
	return b.String()
}

// Unwrap strips the protocol tag. ok is false when data is not protocol traffic.
func Unwrap(data string) (body []byte, ok bool) {
	if !IsTagged(data) {
		return nil, false
	}
	return []byte(data[len(Tag):]), true
}

// IsTagged reports whether data starts with the protocol tag.
func IsTagged(data string) bool {
	return strings.HasPrefix(data, Tag)
}
