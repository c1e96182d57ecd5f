package content

import (
	"encoding/base64"
	"fmt"
)

// Encoding names how a string payload maps to bytes.
type Encoding string

const (
	EncodingUTF8   Encoding = "utf8"
	EncodingBase64 Encoding = "base64"
)

// Decode converts a string payload to raw bytes.
func Decode(s string, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingUTF8, "":
		return []byte(s), nil
	case EncodingBase64:
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decoding base64 payload: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
}

func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
