package qq

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"satorigate/internal/adapter"
	"satorigate/internal/metrics"
	"satorigate/internal/satori"
)

type segment struct {
	Content string
	Image   []byte
}

// CreateMessage transcodes unified markup and sends it as a passive reply
// to the channel's last inbound message. The first segment carries the
// text and first image; additional images go out one per call.
func (a *Adapter) CreateMessage(ctx context.Context, channelID, content string) ([]*satori.MessageReceipt, error) {
	text, imageSrcs := encodeContent(satori.Parse(content))

	var images [][]byte
	for _, src := range imageSrcs {
		data, err := adapter.FetchImage(ctx, a.client, src)
		if err != nil {
			return nil, adapter.Callf(a.platform, "message.create", err)
		}
		images = append(images, data)
	}

	segments := []segment{{Content: text}}
	if len(images) > 0 {
		segments[0].Image = images[0]
		for _, img := range images[1:] {
			segments = append(segments, segment{Image: img})
		}
	}

	replyID := a.replyMsgID(channelID)
	receipts := make([]*satori.MessageReceipt, 0, len(segments))
	for _, seg := range segments {
		var id string
		var err error
		switch {
		case strings.HasPrefix(channelID, "CHANNEL_"):
			id, err = a.sendChannel(ctx, strings.TrimPrefix(channelID, "CHANNEL_"), replyID, seg)
		case strings.HasPrefix(channelID, "GROUP_"):
			id, err = a.sendOpenAPI(ctx, "/v2/groups/"+strings.TrimPrefix(channelID, "GROUP_"), replyID, seg)
		default:
			id, err = a.sendOpenAPI(ctx, "/v2/users/"+channelID, replyID, seg)
		}
		if err != nil {
			metrics.SendFailures.Inc()
			return nil, adapter.Callf(a.platform, "message.create", err)
		}
		metrics.MessagesSent.Inc()
		receipts = append(receipts, &satori.MessageReceipt{ID: id})
	}
	return receipts, nil
}

// sendChannel posts to the guild channel message API: JSON for plain text,
// multipart when an image rides along.
func (a *Adapter) sendChannel(ctx context.Context, channelID, replyID string, seg segment) (string, error) {
	path := "/channels/" + channelID + "/messages"
	var sent struct {
		ID string `json:"id"`
	}
	if seg.Image == nil {
		body := map[string]any{"msg_id": replyID, "content": seg.Content}
		if err := a.apiPost(ctx, path, body, &sent); err != nil {
			return "", err
		}
		return sent.ID, nil
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("msg_id", replyID); err != nil {
		return "", err
	}
	if err := form.WriteField("content", seg.Content); err != nil {
		return "", err
	}
	part, err := form.CreateFormFile("file_image", "image."+adapter.SniffImageExt(seg.Image))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(seg.Image); err != nil {
		return "", err
	}
	if err := form.Close(); err != nil {
		return "", err
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL+path, &buf)
	if err != nil {
		return "", err
	}
	a.authorize(req)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := decodeAPIResponse(resp, &sent); err != nil {
		return "", err
	}
	return sent.ID, nil
}

// sendOpenAPI posts to the group/C2C v2 message API under base (the group
// or user resource path). Images go through the rich-media endpoint first.
func (a *Adapter) sendOpenAPI(ctx context.Context, base, replyID string, seg segment) (string, error) {
	body := map[string]any{
		"msg_id":   replyID,
		"content":  seg.Content,
		"msg_type": 0,
	}
	if seg.Image != nil {
		fileInfo, err := a.uploadRichMedia(ctx, base, seg.Image)
		if err != nil {
			return "", err
		}
		body["msg_type"] = 7
		body["media"] = map[string]string{"file_info": fileInfo}
		if seg.Content == "" {
			body["content"] = " " // media messages reject an empty content field
		}
	}
	var sent struct {
		ID string `json:"id"`
	}
	if err := a.apiPost(ctx, base+"/messages", body, &sent); err != nil {
		return "", err
	}
	return sent.ID, nil
}

// uploadRichMedia registers image bytes with the v2 files endpoint and
// returns the file_info handle for the media message.
func (a *Adapter) uploadRichMedia(ctx context.Context, base string, data []byte) (string, error) {
	body := map[string]any{
		"file_type":    1,
		"file_data":    base64.StdEncoding.EncodeToString(data),
		"srv_send_msg": false,
	}
	var res struct {
		FileInfo string `json:"file_info"`
	}
	if err := a.apiPost(ctx, base+"/files", body, &res); err != nil {
		return "", err
	}
	if res.FileInfo == "" {
		return "", fmt.Errorf("files endpoint returned no file_info")
	}
	return res.FileInfo, nil
}
