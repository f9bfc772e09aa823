package villa

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"satorigate/internal/adapter"
	"satorigate/internal/metrics"
	"satorigate/internal/satori"
)

const mentionAllText = "@全体成员"

type entity struct {
	Entity map[string]string `json:"entity"`
	Length int               `json:"length"`
	Offset int               `json:"offset"`
}

type textSegment struct {
	Text     string
	Entities []entity
}

type outSegment struct {
	ObjectName string
	MsgContent string
}

// CreateMessage transcodes unified markup into MHY:Text / MHY:Image
// segments and sends each as a separate API call. Channel ids carry the
// villa and room ids joined by an underscore.
func (a *Adapter) CreateMessage(ctx context.Context, channelID, content string) ([]*satori.MessageReceipt, error) {
	villaID, roomPart, ok := strings.Cut(channelID, "_")
	if !ok {
		return nil, adapter.Callf(platformName, "message.create", fmt.Errorf("bad channel id %q", channelID))
	}
	roomID, err := strconv.ParseUint(roomPart, 10, 64)
	if err != nil {
		return nil, adapter.Callf(platformName, "message.create", fmt.Errorf("room id %q: %w", roomPart, err))
	}

	segments, err := a.encode(ctx, villaID, satori.Parse(content))
	if err != nil {
		return nil, adapter.Callf(platformName, "message.create", err)
	}

	receipts := make([]*satori.MessageReceipt, 0, len(segments))
	for _, seg := range segments {
		var sent struct {
			BotMsgID string `json:"bot_msg_id"`
		}
		body := map[string]any{
			"room_id":     roomID,
			"object_name": seg.ObjectName,
			"msg_content": seg.MsgContent,
		}
		if err := a.apiPost(ctx, villaID, "/vila/api/bot/platform/sendMessage", body, &sent); err != nil {
			metrics.SendFailures.Inc()
			return nil, adapter.Callf(platformName, "message.create", err)
		}
		metrics.MessagesSent.Inc()
		receipts = append(receipts, &satori.MessageReceipt{ID: sent.BotMsgID})
	}
	return receipts, nil
}

// encode flattens parsed markup into outbound segments. Text runs coalesce
// into one MHY:Text segment whose mention entities carry rune offsets into
// the accumulated text; images upload first and become MHY:Image segments.
func (a *Adapter) encode(ctx context.Context, villaID string, nodes []*satori.Node) ([]outSegment, error) {
	var segments []outSegment
	var text *textSegment

	flushText := func() error {
		if text == nil {
			return nil
		}
		content, err := json.Marshal(map[string]any{
			"content": map[string]any{
				"text":     text.Text,
				"entities": text.Entities,
			},
		})
		if err != nil {
			return err
		}
		segments = append(segments, outSegment{ObjectName: "MHY:Text", MsgContent: string(content)})
		text = nil
		return nil
	}
	appendText := func(s string) *textSegment {
		if text == nil {
			text = &textSegment{}
		}
		text.Text += s
		return text
	}

	for _, node := range nodes {
		switch {
		case node.IsText():
			appendText(node.Text)
		case node.Type == "at":
			if text == nil {
				text = &textSegment{}
			}
			offset := utf8.RuneCountInString(text.Text)
			if node.Attr("type") == "all" {
				appendText(mentionAllText)
				text.Entities = append(text.Entities, entity{
					Entity: map[string]string{"type": "mention_all"},
					Length: utf8.RuneCountInString(mentionAllText),
					Offset: offset,
				})
			} else if id := node.Attr("id"); id != "" {
				appendText("@" + id)
				ent := map[string]string{"type": "mentioned_user", "user_id": id}
				if strings.HasPrefix(id, "bot_") {
					ent = map[string]string{"type": "mentioned_robot", "bot_id": id}
				}
				text.Entities = append(text.Entities, entity{
					Entity: ent,
					Length: utf8.RuneCountInString(id) + 1,
					Offset: offset,
				})
			}
		case node.Type == "img":
			if err := flushText(); err != nil {
				return nil, err
			}
			url, err := a.uploadImage(ctx, villaID, node.Attr("src"))
			if err != nil {
				return nil, err
			}
			content, err := json.Marshal(map[string]any{
				"content": map[string]any{"url": url},
			})
			if err != nil {
				return nil, err
			}
			segments = append(segments, outSegment{ObjectName: "MHY:Image", MsgContent: string(content)})
		}
	}
	if err := flushText(); err != nil {
		return nil, err
	}
	return segments, nil
}

type uploadParams struct {
	Host          string            `json:"host"`
	AccessID      string            `json:"accessid"`
	Signature     string            `json:"signature"`
	SuccessStatus string            `json:"success_action_status"`
	Name          string            `json:"name"`
	Callback      string            `json:"callback"`
	ContentType   string            `json:"x_oss_content_type"`
	Key           string            `json:"key"`
	Policy        string            `json:"policy"`
	Disposition   string            `json:"content_disposition"`
	CallbackVar   map[string]string `json:"callback_var"`
}

// uploadImage materializes the image bytes and runs the platform's two-step
// signed upload: fetch upload parameters keyed by content md5, then
// multipart POST to the returned object-storage host.
func (a *Adapter) uploadImage(ctx context.Context, villaID, src string) (string, error) {
	if src == "" {
		return "", fmt.Errorf("img element without src")
	}
	data, err := adapter.FetchImage(ctx, a.client, src)
	if err != nil {
		return "", err
	}

	sum := md5.Sum(data)
	var res struct {
		Params uploadParams `json:"params"`
	}
	reqBody := map[string]string{
		"md5": hex.EncodeToString(sum[:]),
		"ext": adapter.SniffImageExt(data),
	}
	if err := a.uploadParamsCall(ctx, villaID, reqBody, &res); err != nil {
		return "", fmt.Errorf("upload params: %w", err)
	}
	return a.ossPost(ctx, &res.Params, data)
}

// uploadParamsCall is a GET that carries a JSON body, matching the
// platform's contract for getUploadImageParams.
func (a *Adapter) uploadParamsCall(ctx context.Context, villaID string, body, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.apiURL+"/vila/api/bot/platform/getUploadImageParams", bytes.NewReader(data))
	if err != nil {
		return err
	}
	for k, v := range a.botHeader(villaID) {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Retcode int             `json:"retcode"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Retcode != 0 {
		return fmt.Errorf("api error %d: %s", envelope.Retcode, envelope.Message)
	}
	return json.Unmarshal(envelope.Data, out)
}

// ossPost performs the signed multipart upload and returns the hosted URL.
func (a *Adapter) ossPost(ctx context.Context, params *uploadParams, data []byte) (string, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	fields := map[string]string{
		"x:extra":               params.CallbackVar["x:extra"],
		"OSSAccessKeyId":        params.AccessID,
		"signature":             params.Signature,
		"success_action_status": params.SuccessStatus,
		"name":                  params.Name,
		"callback":              params.Callback,
		"x-oss-content-type":    params.ContentType,
		"key":                   params.Key,
		"policy":                params.Policy,
		"Content-Disposition":   params.Disposition,
	}
	for k, v := range fields {
		if err := form.WriteField(k, v); err != nil {
			return "", err
		}
	}
	part, err := form.CreateFormFile("file", params.Name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := form.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, params.Host, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var uploaded struct {
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if uploaded.Data.URL == "" {
		return "", fmt.Errorf("upload returned no url")
	}
	return uploaded.Data.URL, nil
}
