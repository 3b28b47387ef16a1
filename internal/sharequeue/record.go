package sharequeue

import (
	"encoding/binary"
	"hash/crc32"
)

// Stored message layout:
//
//	published_ms(8B BE) | keyLen(4B BE) | key | value | crc32c(everything before)
const recordOverhead = 8 + 4 + 4

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// message is a decoded stored record.
type message struct {
	publishedMs int64
	key         []byte
	value       []byte
}

func encodeMessage(publishedMs int64, key, value []byte) []byte {
	out := make([]byte, 12, recordOverhead+len(key)+len(value))
	binary.BigEndian.PutUint64(out[:8], uint64(publishedMs))
	binary.BigEndian.PutUint32(out[8:12], uint32(len(key)))
	out = append(out, key...)
	out = append(out, value...)
	return binary.BigEndian.AppendUint32(out, crc32.Checksum(out, castagnoli))
}

// decodeStored rejects truncated records and checksum mismatches. The
// returned slices do not alias raw.
func decodeStored(raw []byte) (message, bool) {
	if len(raw) < recordOverhead {
		return message{}, false
	}
	body := raw[:len(raw)-4]
	if crc32.Checksum(body, castagnoli) != binary.BigEndian.Uint32(raw[len(raw)-4:]) {
		return message{}, false
	}
	klen := int(binary.BigEndian.Uint32(body[8:12]))
	if klen > len(body)-12 {
		return message{}, false
	}
	return message{
		publishedMs: int64(binary.BigEndian.Uint64(body[:8])),
		key:         append([]byte(nil), body[12:12+klen]...),
		value:       append([]byte(nil), body[12+klen:]...),
	}, true
}

func putUint32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func getUint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b[:4])
}
