package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/funbringer/zenith/pkg/types"
)

// EncodeStreamHeader produces the header a stream sender emits before the
// first record.
func EncodeStreamHeader(startLSN types.Lsn) []byte {
	buf := make([]byte, 0, StreamHeaderSize)
	buf = binary.LittleEndian.AppendUint32(buf, StreamMagic)
	buf = binary.LittleEndian.AppendUint32(buf, StreamVersion)
	return binary.LittleEndian.AppendUint64(buf, uint64(startLSN))
}

// EncodeRecord frames one record for the wire: length prefix, checksum,
// fixed header, extra page list, payload.
func EncodeRecord(rec *Record) ([]byte, error) {
	if len(rec.Pages) == 0 {
		return nil, fmt.Errorf("record at %s touches no pages", rec.LSN)
	}
	if len(rec.Pages) > 256 {
		return nil, fmt.Errorf("record at %s touches %d pages, max 256", rec.LSN, len(rec.Pages))
	}
	if rec.IsFullImage() && len(rec.Payload) != types.PageSize {
		return nil, fmt.Errorf("full-image record at %s has %d byte payload", rec.LSN, len(rec.Payload))
	}

	nExtra := len(rec.Pages) - 1
	body := make([]byte, 0, recordFixedSize+nExtra*9+len(rec.Payload))
	body = append(body, rec.Rmgr, rec.Flags)
	body = binary.LittleEndian.AppendUint64(body, uint64(rec.LSN))
	body = binary.LittleEndian.AppendUint64(body, uint64(rec.PrevLSN))
	body = appendPageID(body, rec.Pages[0])
	body = append(body, byte(nExtra))
	for _, p := range rec.Pages[1:] {
		body = appendPageID(body, p)
	}
	body = append(body, rec.Payload...)

	frame := make([]byte, 0, 8+len(body))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(4+len(body)))
	frame = binary.LittleEndian.AppendUint32(frame, crc32.ChecksumIEEE(body))
	return append(frame, body...), nil
}

func appendPageID(buf []byte, p types.PageID) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, p.RelID)
	buf = append(buf, byte(p.Fork))
	return binary.LittleEndian.AppendUint32(buf, p.BlockNo)
}
