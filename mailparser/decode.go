package mailparser

import (
	"io"
	"mime"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
)

// DecodeHeader decodes RFC 2047 encoded words, falling back to the raw
// value when decoding fails.
func DecodeHeader(header string) (string, error) {
	dec := new(mime.WordDecoder)
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		switch strings.ToLower(charset) {
		case "iso-2022-jp":
			return japanese.ISO2022JP.NewDecoder().Reader(input), nil
		case "shift_jis", "shift-jis":
			return japanese.ShiftJIS.NewDecoder().Reader(input), nil
		case "iso-8859-1", "latin1":
			return charmap.ISO8859_1.NewDecoder().Reader(input), nil
		default:
			return input, nil
		}
	}
	decoded, err := dec.DecodeHeader(header)
	if err != nil {
		return "", err
	}
	return decoded, nil
}

func decodeHeaderOrRaw(header string) string {
	decoded, err := DecodeHeader(header)
	if err != nil {
		return header
	}
	return decoded
}
