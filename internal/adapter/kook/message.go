package kook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"satorigate/internal/adapter"
	"satorigate/internal/metrics"
	"satorigate/internal/satori"
)

// Segment message type codes on the send API.
const (
	segText  = 1
	segImage = 2
)

type segment struct {
	Type    int
	Content string
}

// CreateMessage transcodes unified markup into KMarkdown segments and sends
// each as a separate API call, returning one receipt per send in order.
// Partial sends before a failure are not rolled back.
func (a *Adapter) CreateMessage(ctx context.Context, channelID, content string) ([]*satori.MessageReceipt, error) {
	segments, err := a.encode(ctx, satori.Parse(content))
	if err != nil {
		return nil, adapter.Callf(platformName, "message.create", err)
	}

	path := "/direct-message/create"
	targetID := channelID
	if rest, ok := strings.CutPrefix(channelID, "GROUP_"); ok {
		path = "/message/create"
		targetID = rest
	}

	receipts := make([]*satori.MessageReceipt, 0, len(segments))
	for _, seg := range segments {
		var sent struct {
			MsgID string `json:"msg_id"`
		}
		body := map[string]any{
			"type":      seg.Type,
			"target_id": targetID,
			"content":   seg.Content,
		}
		if err := a.apiPost(ctx, path, body, &sent); err != nil {
			metrics.SendFailures.Inc()
			return nil, adapter.Callf(platformName, "message.create", err)
		}
		metrics.MessagesSent.Inc()
		receipts = append(receipts, &satori.MessageReceipt{ID: sent.MsgID})
	}
	return receipts, nil
}

// encode flattens parsed markup into send segments, coalescing consecutive
// text-bearing nodes into a single segment to minimize API calls.
func (a *Adapter) encode(ctx context.Context, nodes []*satori.Node) ([]segment, error) {
	var segments []segment

	appendText := func(text string) {
		if n := len(segments); n > 0 && segments[n-1].Type == segText {
			segments[n-1].Content += text
			return
		}
		segments = append(segments, segment{Type: segText, Content: text})
	}

	for _, node := range nodes {
		switch {
		case node.IsText():
			appendText(escapeKMarkdown(node.Text))
		case node.Type == "at":
			if node.Attr("type") == "all" {
				appendText("(met)all(met)")
			} else if id := node.Attr("id"); id != "" {
				appendText("(met)" + id + "(met)")
			}
		case node.Type == "img":
			url, err := a.resolveAsset(ctx, node.Attr("src"))
			if err != nil {
				return nil, err
			}
			segments = append(segments, segment{Type: segImage, Content: url})
		}
	}
	return segments, nil
}

// resolveAsset returns a platform-hosted URL for src, uploading the image
// bytes unless src already points at the platform's asset host.
func (a *Adapter) resolveAsset(ctx context.Context, src string) (string, error) {
	if src == "" {
		return "", fmt.Errorf("img element without src")
	}
	if strings.HasPrefix(src, assetHostPrefix) {
		return src, nil
	}
	data, err := adapter.FetchImage(ctx, a.client, src)
	if err != nil {
		return "", err
	}
	return a.uploadAsset(ctx, data)
}

func (a *Adapter) uploadAsset(ctx context.Context, data []byte) (string, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", "image."+adapter.SniffImageExt(data))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := form.Close(); err != nil {
		return "", err
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL+"/asset/create", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bot "+a.token)
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var envelope struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := jsonDecode(resp, &envelope); err != nil {
		return "", err
	}
	if envelope.Code != 0 {
		return "", fmt.Errorf("asset upload error %d: %s", envelope.Code, envelope.Message)
	}
	return envelope.Data.URL, nil
}

func jsonDecode(resp *http.Response, out any) error {
	return json.NewDecoder(resp.Body).Decode(out)
}

// kmarkdownReserved are the characters the platform treats as markup.
const kmarkdownReserved = "\\*~[()]->`"

// escapeKMarkdown backslash-escapes reserved characters in outbound text.
func escapeKMarkdown(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r < 0x80 && strings.ContainsRune(kmarkdownReserved, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
