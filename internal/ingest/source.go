package ingest

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/funbringer/zenith/pkg/types"
)

// StreamSource opens a WAL byte stream starting at a caller-specified LSN.
// Reconnects go through Connect again with the new resume position.
type StreamSource interface {
	Connect(ctx context.Context, from types.Lsn) (io.ReadCloser, error)
}

// TCPSource dials a WAL acceptor and requests streaming from a resume LSN.
// The handshake is a fixed 8-byte resume position; the acceptor answers with
// a stream header followed by records.
type TCPSource struct {
	Addr        string
	DialTimeout time.Duration
}

// Connect dials the acceptor and sends the resume request.
func (s *TCPSource) Connect(ctx context.Context, from types.Lsn) (io.ReadCloser, error) {
	d := net.Dialer{Timeout: s.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial wal acceptor %s: %w", s.Addr, err)
	}
	var req [8]byte
	binary.LittleEndian.PutUint64(req[:], uint64(from))
	if _, err := conn.Write(req[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send resume position: %w", err)
	}
	return conn, nil
}
