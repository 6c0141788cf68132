package pageservice

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/funbringer/zenith/pkg/types"
)

// Wire protocol of the page read service ("GetPage@LSN"). Transport is a
// persistent bidirectional connection per compute node; multiple requests
// may be outstanding and responses may complete out of order, matched by
// the request id.
//
// Request frame:  len(u32) reqID(u32) kind(u8) body
// Response frame: len(u32) reqID(u32) status(u8) payload
//
// GetPage body: rel(u32) fork(u8) block(u32) lsn(u64). An OK response
// carries the page image; error responses carry a message string.
const (
	KindGetPage uint8 = 1
	KindPing    uint8 = 2

	getPageBodySize = 17
	maxRequestSize  = 64
)

type request struct {
	id   uint32
	kind uint8
	page types.PageID
	lsn  types.Lsn
}

// readRequest reads one request frame.
func readRequest(r io.Reader) (*request, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	frameLen := binary.LittleEndian.Uint32(lenBuf[:])
	if frameLen < 5 || frameLen > maxRequestSize {
		return nil, fmt.Errorf("request frame length %d out of bounds", frameLen)
	}
	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("truncated request frame: %w", err)
	}

	req := &request{
		id:   binary.LittleEndian.Uint32(frame[0:4]),
		kind: frame[4],
	}
	body := frame[5:]
	switch req.kind {
	case KindGetPage:
		if len(body) != getPageBodySize {
			return nil, fmt.Errorf("getpage body is %d bytes, want %d", len(body), getPageBodySize)
		}
		req.page = types.PageID{
			RelID:   binary.LittleEndian.Uint32(body[0:4]),
			Fork:    types.ForkNumber(body[4]),
			BlockNo: binary.LittleEndian.Uint32(body[5:9]),
		}
		req.lsn = types.Lsn(binary.LittleEndian.Uint64(body[9:17]))
	case KindPing:
		if len(body) != 0 {
			return nil, fmt.Errorf("ping carries %d byte body", len(body))
		}
	default:
		return nil, fmt.Errorf("unknown request kind 0x%02x", req.kind)
	}
	return req, nil
}

// EncodeGetPageRequest frames a GetPage request; used by protocol clients
// and tests.
func EncodeGetPageRequest(reqID uint32, p types.PageID, lsn types.Lsn) []byte {
	buf := make([]byte, 0, 4+5+getPageBodySize)
	buf = binary.LittleEndian.AppendUint32(buf, 5+getPageBodySize)
	buf = binary.LittleEndian.AppendUint32(buf, reqID)
	buf = append(buf, KindGetPage)
	buf = binary.LittleEndian.AppendUint32(buf, p.RelID)
	buf = append(buf, byte(p.Fork))
	buf = binary.LittleEndian.AppendUint32(buf, p.BlockNo)
	return binary.LittleEndian.AppendUint64(buf, uint64(lsn))
}

// connWriter serializes response frames onto a shared connection.
type connWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// writeResponse frames and sends one response.
func (cw *connWriter) writeResponse(reqID uint32, status types.Status, payload []byte) error {
	frame := make([]byte, 0, 4+5+len(payload))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(5+len(payload)))
	frame = binary.LittleEndian.AppendUint32(frame, reqID)
	frame = append(frame, byte(status))
	frame = append(frame, payload...)

	cw.mu.Lock()
	defer cw.mu.Unlock()
	_, err := cw.w.Write(frame)
	return err
}

// Response is one decoded response frame, as seen by a protocol client.
type Response struct {
	ReqID   uint32
	Status  types.Status
	Payload []byte
}

// ReadResponse reads one response frame; used by protocol clients and
// tests.
func ReadResponse(r io.Reader) (*Response, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	frameLen := binary.LittleEndian.Uint32(lenBuf[:])
	if frameLen < 5 || frameLen > 5+types.PageSize {
		return nil, fmt.Errorf("response frame length %d out of bounds", frameLen)
	}
	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("truncated response frame: %w", err)
	}
	return &Response{
		ReqID:   binary.LittleEndian.Uint32(frame[0:4]),
		Status:  types.Status(frame[4]),
		Payload: frame[5:],
	}, nil
}
