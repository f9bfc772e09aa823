package villa

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Hand-rolled codecs for the handful of protobuf payloads the socket
// exchanges. The message shapes are small and fixed, so raw wire
// encoding avoids a generated-code dependency.

// encodeLogin builds the PLogin payload sent right after the socket opens.
func encodeLogin(uid uint64, token string, platform, appID int32, deviceID string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uid)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, token)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(platform))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(appID))
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendString(b, deviceID)
	return b
}

// encodeHeartbeat builds the PHeartBeat payload carrying the client's
// millisecond timestamp as a decimal string.
func encodeHeartbeat(clientTimestamp string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, clientTimestamp)
	return b
}

// field is one decoded protobuf field; varint and bytes values are kept,
// other wire types are skipped.
type field struct {
	num    protowire.Number
	varint uint64
	bytes  []byte
	isInt  bool
}

// scanFields walks a raw message and returns its top-level fields.
func scanFields(payload []byte) ([]field, error) {
	var fields []field
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, fmt.Errorf("bad tag: %v", protowire.ParseError(n))
		}
		payload = payload[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return nil, fmt.Errorf("bad varint: %v", protowire.ParseError(n))
			}
			fields = append(fields, field{num: num, varint: v, isInt: true})
			payload = payload[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return nil, fmt.Errorf("bad bytes field: %v", protowire.ParseError(n))
			}
			fields = append(fields, field{num: num, bytes: v})
			payload = payload[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return nil, fmt.Errorf("bad field value: %v", protowire.ParseError(n))
			}
			payload = payload[n:]
		}
	}
	return fields, nil
}

// decodeReply extracts {code, msg} from a PLoginReply or PHeartBeatReply.
func decodeReply(payload []byte) (code int64, msg string, err error) {
	fields, err := scanFields(payload)
	if err != nil {
		return 0, "", err
	}
	for _, f := range fields {
		switch f.num {
		case 1:
			if f.isInt {
				code = int64(f.varint)
			}
		case 2:
			if !f.isInt {
				msg = string(f.bytes)
			}
		}
	}
	return code, msg, nil
}

// decodeKickOff extracts the reason from a PKickOff payload.
func decodeKickOff(payload []byte) string {
	fields, err := scanFields(payload)
	if err != nil {
		return ""
	}
	for _, f := range fields {
		if f.num == 2 && !f.isInt {
			return string(f.bytes)
		}
	}
	return ""
}

// Event types inside RobotEvent.
const (
	eventTypeJoinVilla   = 1
	eventTypeSendMessage = 2
)

type robotEvent struct {
	Type       int64
	ID         string
	SendAt     int64
	ExtendData []byte
}

// decodeRobotEvent pulls the envelope fields of a RobotEvent payload:
// type (2), extend_data (3), id (5), send_at (6).
func decodeRobotEvent(payload []byte) (*robotEvent, error) {
	fields, err := scanFields(payload)
	if err != nil {
		return nil, err
	}
	evt := &robotEvent{}
	for _, f := range fields {
		switch f.num {
		case 2:
			if f.isInt {
				evt.Type = int64(f.varint)
			}
		case 3:
			if !f.isInt {
				evt.ExtendData = f.bytes
			}
		case 5:
			if !f.isInt {
				evt.ID = string(f.bytes)
			}
		case 6:
			if f.isInt {
				evt.SendAt = int64(f.varint)
			}
		}
	}
	return evt, nil
}

type sendMessageInfo struct {
	Content    string
	FromUserID uint64
	SendAt     int64
	RoomID     uint64
	Nickname   string
	VillaID    uint64
}

// decodeSendMessage decodes ExtendData.send_message (field 2): content (1),
// from_user_id (2), send_at (3), room_id (5), nickname (6), villa_id (9).
func decodeSendMessage(extendData []byte) (*sendMessageInfo, error) {
	fields, err := scanFields(extendData)
	if err != nil {
		return nil, err
	}
	var raw []byte
	for _, f := range fields {
		if f.num == 2 && !f.isInt {
			raw = f.bytes
		}
	}
	if raw == nil {
		return nil, fmt.Errorf("no send_message data")
	}
	inner, err := scanFields(raw)
	if err != nil {
		return nil, err
	}
	info := &sendMessageInfo{}
	for _, f := range inner {
		switch f.num {
		case 1:
			if !f.isInt {
				info.Content = string(f.bytes)
			}
		case 2:
			if f.isInt {
				info.FromUserID = f.varint
			}
		case 3:
			if f.isInt {
				info.SendAt = int64(f.varint)
			}
		case 5:
			if f.isInt {
				info.RoomID = f.varint
			}
		case 6:
			if !f.isInt {
				info.Nickname = string(f.bytes)
			}
		case 9:
			if f.isInt {
				info.VillaID = f.varint
			}
		}
	}
	return info, nil
}

type joinVillaInfo struct {
	JoinUID      uint64
	JoinNickname string
	JoinAt       int64
	VillaID      uint64
}

// decodeJoinVilla decodes ExtendData.join_villa (field 1): join_uid (1),
// join_user_nickname (2), join_at (3), villa_id (4).
func decodeJoinVilla(extendData []byte) (*joinVillaInfo, error) {
	fields, err := scanFields(extendData)
	if err != nil {
		return nil, err
	}
	var raw []byte
	for _, f := range fields {
		if f.num == 1 && !f.isInt {
			raw = f.bytes
		}
	}
	if raw == nil {
		return nil, fmt.Errorf("no join_villa data")
	}
	inner, err := scanFields(raw)
	if err != nil {
		return nil, err
	}
	info := &joinVillaInfo{}
	for _, f := range inner {
		switch f.num {
		case 1:
			if f.isInt {
				info.JoinUID = f.varint
			}
		case 2:
			if !f.isInt {
				info.JoinNickname = string(f.bytes)
			}
		case 3:
			if f.isInt {
				info.JoinAt = int64(f.varint)
			}
		case 4:
			if f.isInt {
				info.VillaID = f.varint
			}
		}
	}
	return info, nil
}
