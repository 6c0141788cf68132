package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/funbringer/zenith/pkg/types"
)

// StreamDecoder turns a byte-oriented WAL stream into a lazy sequence of
// records. It is restartable: create a new decoder on a reader positioned at
// a known start LSN after a reconnect.
//
// Decode failures are fatal for the current stream position; the ingestion
// pipeline reacts by requesting retransmission from its watermark.
type StreamDecoder struct {
	r        *bufio.Reader
	startLSN types.Lsn
	offset   int64 // byte offset past the stream header, for diagnostics
}

// NewStreamDecoder reads and validates the stream header.
func NewStreamDecoder(r io.Reader) (*StreamDecoder, error) {
	br := bufio.NewReader(r)
	var hdr [StreamHeaderSize]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read stream header: %v: %w", err, types.ErrDecode)
	}
	magic := binary.LittleEndian.Uint32(hdr[0:4])
	if magic != StreamMagic {
		return nil, fmt.Errorf("bad stream magic 0x%08x: %w", magic, types.ErrDecode)
	}
	version := binary.LittleEndian.Uint32(hdr[4:8])
	if version != StreamVersion {
		return nil, fmt.Errorf("unsupported stream format version %d: %w", version, types.ErrDecode)
	}
	return &StreamDecoder{
		r:        br,
		startLSN: types.Lsn(binary.LittleEndian.Uint64(hdr[8:16])),
	}, nil
}

// StartLSN returns the stream position announced by the header.
func (d *StreamDecoder) StartLSN() types.Lsn { return d.startLSN }

// Next decodes the next record. It returns io.EOF on clean end of stream and
// a types.ErrDecode-wrapped error on corruption (checksum mismatch, length
// overrun, malformed body).
func (d *StreamDecoder) Next() (*Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("truncated record length at offset %d: %v: %w", d.offset, err, types.ErrDecode)
	}
	d.offset += 4

	frameLen := binary.LittleEndian.Uint32(lenBuf[:])
	if frameLen < 4+recordFixedSize || frameLen > MaxRecordSize {
		return nil, fmt.Errorf("record length %d out of bounds at offset %d: %w", frameLen, d.offset, types.ErrDecode)
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(d.r, frame); err != nil {
		return nil, fmt.Errorf("truncated record body at offset %d: %v: %w", d.offset, err, types.ErrDecode)
	}
	d.offset += int64(frameLen)

	wantCRC := binary.LittleEndian.Uint32(frame[0:4])
	body := frame[4:]
	if got := crc32.ChecksumIEEE(body); got != wantCRC {
		return nil, fmt.Errorf("record checksum mismatch at offset %d: want %08x got %08x: %w",
			d.offset, wantCRC, got, types.ErrDecode)
	}

	rec, err := decodeRecordBody(body)
	if err != nil {
		return nil, fmt.Errorf("malformed record at offset %d: %w", d.offset, err)
	}
	return rec, nil
}

func decodeRecordBody(body []byte) (*Record, error) {
	if len(body) < recordFixedSize {
		return nil, fmt.Errorf("record body too short (%d bytes): %w", len(body), types.ErrDecode)
	}
	rec := &Record{
		Rmgr:    body[0],
		Flags:   body[1],
		LSN:     types.Lsn(binary.LittleEndian.Uint64(body[2:10])),
		PrevLSN: types.Lsn(binary.LittleEndian.Uint64(body[10:18])),
	}
	primary := types.PageID{
		RelID:   binary.LittleEndian.Uint32(body[18:22]),
		Fork:    types.ForkNumber(body[22]),
		BlockNo: binary.LittleEndian.Uint32(body[23:27]),
	}
	nExtra := int(body[27])
	pos := recordFixedSize
	if pos+nExtra*9 > len(body) {
		return nil, fmt.Errorf("record advertises %d extra pages beyond body: %w", nExtra, types.ErrDecode)
	}
	rec.Pages = make([]types.PageID, 0, 1+nExtra)
	rec.Pages = append(rec.Pages, primary)
	for i := 0; i < nExtra; i++ {
		rec.Pages = append(rec.Pages, types.PageID{
			RelID:   binary.LittleEndian.Uint32(body[pos:]),
			Fork:    types.ForkNumber(body[pos+4]),
			BlockNo: binary.LittleEndian.Uint32(body[pos+5:]),
		})
		pos += 9
	}
	rec.Payload = body[pos:]

	if rec.IsFullImage() && len(rec.Payload) != types.PageSize {
		return nil, fmt.Errorf("full-image record with %d byte payload: %w", len(rec.Payload), types.ErrDecode)
	}
	return rec, nil
}
