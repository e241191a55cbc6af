package schedule

import (
	"io"
	"mime"
	"strings"

	"golang.org/x/net/html/charset"
)

var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(label string, input io.Reader) (io.Reader, error) {
		return charset.NewReaderLabel(label, input)
	},
}

// DecodeText decodes RFC 2047 encoded-words such as
// "=?ISO-8859-1?Q?J=F6rg?=". Values without encoded-words, and values that
// fail to decode, are returned unchanged.
func DecodeText(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}
