package adapter

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxImageBytes bounds how much image data an outbound send will buffer.
const maxImageBytes = 32 << 20

// FetchImage materializes image bytes from either an http(s) URL or a
// base64 data URI, for upload to a platform's asset endpoint.
func FetchImage(ctx context.Context, client *http.Client, src string) ([]byte, error) {
	if strings.HasPrefix(src, "data:") {
		idx := strings.Index(src, "base64,")
		if idx < 0 {
			return nil, fmt.Errorf("unsupported data URI encoding")
		}
		data, err := base64.StdEncoding.DecodeString(src[idx+len("base64,"):])
		if err != nil {
			return nil, fmt.Errorf("decode data URI: %w", err)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return data, nil
}

// SniffImageExt guesses the image format from magic bytes, defaulting to
// "png". Platform upload endpoints want an extension hint.
func SniffImageExt(data []byte) string {
	switch {
	case len(data) >= 8 && string(data[:8]) == "\x89PNG\r\n\x1a\n":
		return "png"
	case len(data) >= 3 && string(data[:3]) == "\xff\xd8\xff":
		return "jpg"
	case len(data) >= 6 && (string(data[:6]) == "GIF87a" || string(data[:6]) == "GIF89a"):
		return "gif"
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return "webp"
	default:
		return "png"
	}
}
