package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/funbringer/zenith/pkg/types"
)

// Delta op kinds carried in a record payload.
const (
	OpWrite   uint8 = 0x01 // write a string of bytes at an offset
	OpMemset  uint8 = 0x02 // fill a range with one byte
	OpMemmove uint8 = 0x03 // copy a range within the page
)

// Op is one parsed delta operation. Application is a deterministic, total
// function from (image, op) to a new image; ops apply in order, last writer
// wins per byte range.
type Op struct {
	Kind   uint8
	Offset uint16
	Length uint16
	SrcOff uint16 // OpMemmove only
	Fill   byte   // OpMemset only
	Data   []byte // OpWrite only
}

// ParseOps parses a delta payload into its op sequence.
//
// Layout per op:
//
//	write:   0x01 off(2) len(2) data[len]
//	memset:  0x02 off(2) len(2) fill(1)
//	memmove: 0x03 dst(2) src(2) len(2)
func ParseOps(payload []byte) ([]Op, error) {
	var ops []Op
	pos := 0
	for pos < len(payload) {
		kind := payload[pos]
		pos++
		switch kind {
		case OpWrite:
			if pos+4 > len(payload) {
				return nil, fmt.Errorf("truncated write op header at %d: %w", pos, types.ErrDecode)
			}
			off := binary.LittleEndian.Uint16(payload[pos:])
			length := binary.LittleEndian.Uint16(payload[pos+2:])
			pos += 4
			if pos+int(length) > len(payload) {
				return nil, fmt.Errorf("write op data overruns payload: off=%d len=%d: %w", off, length, types.ErrDecode)
			}
			ops = append(ops, Op{Kind: kind, Offset: off, Length: length, Data: payload[pos : pos+int(length)]})
			pos += int(length)
		case OpMemset:
			if pos+5 > len(payload) {
				return nil, fmt.Errorf("truncated memset op at %d: %w", pos, types.ErrDecode)
			}
			ops = append(ops, Op{
				Kind:   kind,
				Offset: binary.LittleEndian.Uint16(payload[pos:]),
				Length: binary.LittleEndian.Uint16(payload[pos+2:]),
				Fill:   payload[pos+4],
			})
			pos += 5
		case OpMemmove:
			if pos+6 > len(payload) {
				return nil, fmt.Errorf("truncated memmove op at %d: %w", pos, types.ErrDecode)
			}
			ops = append(ops, Op{
				Kind:   kind,
				Offset: binary.LittleEndian.Uint16(payload[pos:]),
				SrcOff: binary.LittleEndian.Uint16(payload[pos+2:]),
				Length: binary.LittleEndian.Uint16(payload[pos+4:]),
			})
			pos += 6
		default:
			return nil, fmt.Errorf("unknown op kind 0x%02x at %d: %w", kind, pos-1, types.ErrDecode)
		}
	}
	return ops, nil
}

// AppendWriteOp appends an OpWrite to a delta payload under construction.
func AppendWriteOp(payload []byte, off uint16, data []byte) []byte {
	payload = append(payload, OpWrite)
	payload = binary.LittleEndian.AppendUint16(payload, off)
	payload = binary.LittleEndian.AppendUint16(payload, uint16(len(data)))
	return append(payload, data...)
}

// AppendMemsetOp appends an OpMemset to a delta payload under construction.
func AppendMemsetOp(payload []byte, off, length uint16, fill byte) []byte {
	payload = append(payload, OpMemset)
	payload = binary.LittleEndian.AppendUint16(payload, off)
	payload = binary.LittleEndian.AppendUint16(payload, length)
	return append(payload, fill)
}

// AppendMemmoveOp appends an OpMemmove to a delta payload under construction.
func AppendMemmoveOp(payload []byte, dst, src, length uint16) []byte {
	payload = append(payload, OpMemmove)
	payload = binary.LittleEndian.AppendUint16(payload, dst)
	payload = binary.LittleEndian.AppendUint16(payload, src)
	return binary.LittleEndian.AppendUint16(payload, length)
}
