package atomicfile

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// encodeString turns a string payload into the bytes written to disk.
func encodeString(s, encoding string) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "", "utf8", "utf-8":
		return []byte(s), nil
	case "base64":
		return base64.StdEncoding.DecodeString(s)
	case "hex":
		return hex.DecodeString(s)
	case "latin1", "binary":
		out := make([]byte, 0, len(s))
		for _, r := range s {
			out = append(out, byte(r))
		}

		return out, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, encoding)
}

// decodeString turns file bytes into a string in the given encoding.
func decodeString(data []byte, encoding string) (string, error) {
	switch strings.ToLower(encoding) {
	case "", "utf8", "utf-8":
		return string(data), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(data), nil
	case "hex":
		return hex.EncodeToString(data), nil
	case "latin1", "binary":
		var b strings.Builder

		b.Grow(len(data))

		for _, c := range data {
			b.WriteRune(rune(c))
		}

		return b.String(), nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownEncoding, encoding)
}
