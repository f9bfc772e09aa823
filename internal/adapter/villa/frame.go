package villa

import (
	"encoding/binary"
	"fmt"
)

// Wire framing: every frame starts with a fixed header — magic, total
// length, header length (a constant 24 that excludes magic and length),
// an 8-byte sequence id, a flag, the business-type code and the app id.
// The payload starts at byte offset 32.
const (
	frameMagic     uint32 = 0xBABEFACE
	frameHeaderLen uint32 = 24
	frameFlag      uint32 = 1
	frameAppID     int32  = 104
	payloadOffset         = 32
)

// Business-type codes.
const (
	bizLogin     = 7
	bizHeartbeat = 6
	bizShutdown  = 52
	bizKickOff   = 53
	bizEvent     = 30001
)

// encodeFrame wraps payload in the fixed binary header.
func encodeFrame(id uint64, biztype uint32, payload []byte) []byte {
	buf := make([]byte, payloadOffset+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], frameMagic)
	binary.LittleEndian.PutUint32(buf[4:8], frameHeaderLen+uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[8:12], frameHeaderLen)
	binary.LittleEndian.PutUint64(buf[12:20], id)
	binary.LittleEndian.PutUint32(buf[20:24], frameFlag)
	binary.LittleEndian.PutUint32(buf[24:28], biztype)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(frameAppID))
	copy(buf[payloadOffset:], payload)
	return buf
}

// decodeFrame splits an inbound frame into its business-type code and
// payload, validating the magic constant.
func decodeFrame(data []byte) (biztype uint32, payload []byte, err error) {
	if len(data) < payloadOffset {
		return 0, nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != frameMagic {
		return 0, nil, fmt.Errorf("bad frame magic %#x", magic)
	}
	biztype = binary.LittleEndian.Uint32(data[24:28])
	return biztype, data[payloadOffset:], nil
}
