package storage

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// EncodeDataURL renders bytes as a base64 data URL.
func EncodeDataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL parses a base64 data URL into its mime type and bytes.
func DecodeDataURL(dataURL string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return "", nil, fmt.Errorf("storage: not a data url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("storage: malformed data url")
	}
	mimeType, encoded := meta, false
	if m, found := strings.CutSuffix(meta, ";base64"); found {
		mimeType, encoded = m, true
	}
	if !encoded {
		return "", nil, fmt.Errorf("storage: unsupported data url encoding")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("storage: decode data url: %w", err)
	}
	return mimeType, data, nil
}
