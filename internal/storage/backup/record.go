package backup

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Record is one exported block or chunk.
//
// Wire layout, all integers big-endian:
//
//	[DeviceLen:2][Device][Index:8][Checksum:8][ModifiedAt:8 unix nanos][DataLen:4][Data]
type Record struct {
	Device string `json:"device"`

	// Index is the block number for dirty archives and the chunk number
	// for merged archives.
	Index uint64 `json:"index"`

	Checksum   uint64    `json:"checksum"`
	ModifiedAt time.Time `json:"modified_at"`
	Data       []byte    `json:"-"`
}

const recordFixedSize = 2 + 8 + 8 + 8 + 4

var errShortRecord = errors.New("backup: truncated record")

func encodeRecords(records []Record) []byte {
	size := 0
	for i := range records {
		size += recordFixedSize + len(records[i].Device) + len(records[i].Data)
	}

	buf := make([]byte, 0, size)
	for i := range records {
		r := &records[i]
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Device)))
		buf = append(buf, r.Device...)
		buf = binary.BigEndian.AppendUint64(buf, r.Index)
		buf = binary.BigEndian.AppendUint64(buf, r.Checksum)
		buf = binary.BigEndian.AppendUint64(buf, uint64(r.ModifiedAt.UnixNano()))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Data)))
		buf = append(buf, r.Data...)
	}
	return buf
}

func decodeRecords(buf []byte, count uint64) ([]Record, error) {
	records := make([]Record, 0, min(count, 1<<16))
	for len(buf) > 0 {
		if len(buf) < 2 {
			return nil, errShortRecord
		}
		n := int(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
		if len(buf) < n+recordFixedSize-2 {
			return nil, errShortRecord
		}

		var r Record
		r.Device = string(buf[:n])
		buf = buf[n:]
		r.Index = binary.BigEndian.Uint64(buf)
		r.Checksum = binary.BigEndian.Uint64(buf[8:])
		r.ModifiedAt = time.Unix(0, int64(binary.BigEndian.Uint64(buf[16:])))
		dataLen := int(binary.BigEndian.Uint32(buf[24:]))
		buf = buf[28:]
		if len(buf) < dataLen {
			return nil, errShortRecord
		}
		r.Data = append([]byte(nil), buf[:dataLen]...)
		buf = buf[dataLen:]

		records = append(records, r)
	}
	if uint64(len(records)) != count {
		return nil, fmt.Errorf("backup: header says %d records, found %d", count, len(records))
	}
	return records, nil
}
