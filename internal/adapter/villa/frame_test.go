package villa

import (
	"bytes"
	"encoding/binary"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrame_RoundTrip(t *testing.T) {
	payload := []byte("payload-bytes")
	frame := encodeFrame(7, bizEvent, payload)

	biztype, got, err := decodeFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if biztype != bizEvent {
		t.Errorf("biztype = %d, want %d", biztype, bizEvent)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q", got)
	}
}

func TestFrame_HeaderLayout(t *testing.T) {
	payload := []byte{1, 2, 3}
	frame := encodeFrame(9, bizLogin, payload)

	if len(frame) != payloadOffset+len(payload) {
		t.Fatalf("frame length = %d", len(frame))
	}
	if got := binary.LittleEndian.Uint32(frame[0:4]); got != frameMagic {
		t.Errorf("magic = %#x", got)
	}
	if got := binary.LittleEndian.Uint32(frame[4:8]); got != frameHeaderLen+3 {
		t.Errorf("datalen = %d", got)
	}
	if got := binary.LittleEndian.Uint32(frame[8:12]); got != frameHeaderLen {
		t.Errorf("headerlen = %d", got)
	}
	if got := binary.LittleEndian.Uint64(frame[12:20]); got != 9 {
		t.Errorf("sequence id = %d", got)
	}
	if got := binary.LittleEndian.Uint32(frame[20:24]); got != frameFlag {
		t.Errorf("flag = %d", got)
	}
	if got := binary.LittleEndian.Uint32(frame[24:28]); got != bizLogin {
		t.Errorf("biztype = %d", got)
	}
	if got := int32(binary.LittleEndian.Uint32(frame[28:32])); got != frameAppID {
		t.Errorf("app id = %d", got)
	}
}

func TestDecodeFrame_Rejects(t *testing.T) {
	if _, _, err := decodeFrame([]byte{1, 2, 3}); err == nil {
		t.Error("short frame must be rejected")
	}
	bad := encodeFrame(1, bizLogin, nil)
	binary.LittleEndian.PutUint32(bad[0:4], 0xDEADBEEF)
	if _, _, err := decodeFrame(bad); err == nil {
		t.Error("bad magic must be rejected")
	}
}

func TestEncodeLogin_Decodable(t *testing.T) {
	payload := encodeLogin(12345, "villa.secret.bot_1", 3, 104, "device-1")
	fields, err := scanFields(payload)
	if err != nil {
		t.Fatal(err)
	}
	want := map[protowire.Number]any{
		1: uint64(12345),
		2: "villa.secret.bot_1",
		3: uint64(3),
		4: uint64(104),
		5: "device-1",
	}
	for _, f := range fields {
		switch w := want[f.num].(type) {
		case uint64:
			if !f.isInt || f.varint != w {
				t.Errorf("field %d = %+v, want %d", f.num, f, w)
			}
		case string:
			if f.isInt || string(f.bytes) != w {
				t.Errorf("field %d = %+v, want %q", f.num, f, w)
			}
		}
		delete(want, f.num)
	}
	if len(want) != 0 {
		t.Errorf("missing fields: %v", want)
	}
}

func TestDecodeReply(t *testing.T) {
	var payload []byte
	payload = protowire.AppendTag(payload, 1, protowire.VarintType)
	payload = protowire.AppendVarint(payload, 4)
	payload = protowire.AppendTag(payload, 2, protowire.BytesType)
	payload = protowire.AppendString(payload, "bad token")

	code, msg, err := decodeReply(payload)
	if err != nil {
		t.Fatal(err)
	}
	if code != 4 || msg != "bad token" {
		t.Errorf("reply = %d %q", code, msg)
	}
}
