package onebot

import (
	"context"
	"strconv"

	"satorigate/internal/adapter"
	"satorigate/internal/metrics"
	"satorigate/internal/satori"
)

// CreateMessage transcodes unified markup into a CQ message and sends it.
// Inline codes allow text and mentions in one call, so every send produces
// exactly one receipt.
func (a *Adapter) CreateMessage(ctx context.Context, channelID, content string) ([]*satori.MessageReceipt, error) {
	message := encodeMessage(satori.Parse(content))

	var sent struct {
		MessageID flexID `json:"message_id"`
	}
	var err error
	if _, ok := cutGroupPrefix(channelID); ok {
		var gid int64
		gid, err = groupNumber(channelID)
		if err == nil {
			err = a.apiPost(ctx, "/send_group_msg", map[string]any{
				"group_id": gid,
				"message":  message,
			}, &sent)
		}
	} else {
		var uid int64
		uid, err = strconv.ParseInt(channelID, 10, 64)
		if err == nil {
			err = a.apiPost(ctx, "/send_private_msg", map[string]any{
				"user_id": uid,
				"message": message,
			}, &sent)
		}
	}
	if err != nil {
		metrics.SendFailures.Inc()
		return nil, adapter.Callf(platformName, "message.create", err)
	}
	metrics.MessagesSent.Inc()
	return []*satori.MessageReceipt{{ID: sent.MessageID.String()}}, nil
}
