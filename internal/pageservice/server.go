package pageservice

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"

	"github.com/funbringer/zenith/pkg/types"
)

// Server accepts compute connections and dispatches page requests. Each
// connection carries a pipelined stream of requests; every request is
// handled in its own goroutine and responses go out as they complete.
type Server struct {
	svc *Service

	mu    sync.Mutex
	lis   net.Listener
	conns map[net.Conn]struct{}
	done  chan struct{}
}

func NewServer(svc *Service) *Server {
	return &Server{
		svc:   svc,
		conns: make(map[net.Conn]struct{}),
		done:  make(chan struct{}),
	}
}

// Serve accepts connections on lis until Shutdown is called.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return err
			}
		}
		s.track(conn, true)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// Shutdown stops accepting and closes all live connections.
func (s *Server) Shutdown() {
	close(s.done)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		s.lis.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.track(conn, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	r := bufio.NewReader(conn)
	w := &connWriter{w: conn}
	for {
		req, err := readRequest(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("pageservice: %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleRequest(ctx, w, req)
		}()
	}
}

func (s *Server) handleRequest(ctx context.Context, w *connWriter, req *request) {
	var status types.Status
	var payload []byte

	switch req.kind {
	case KindPing:
		status = types.StatusOK
	case KindGetPage:
		image, err := s.svc.GetPage(ctx, req.page, req.lsn)
		status = types.StatusForError(err)
		if err != nil {
			payload = []byte(err.Error())
		} else {
			payload = image
		}
	default:
		status = types.StatusInvalidRequest
	}

	if err := w.writeResponse(req.id, status, payload); err != nil {
		log.Printf("pageservice: write response %d: %v", req.id, err)
	}
}
