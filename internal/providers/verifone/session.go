package verifone

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Framing selects how frames are delimited on the socket.
type Framing string

const (
	FramingLine     Framing = "line"
	FramingEnvelope Framing = "envelope"
)

var ErrNotConnected = errors.New("terminal not connected")

const writeTimeout = 5 * time.Second

// Session owns the socket for one transaction. The dial and reader
// goroutines are the only writers of the connection flags, the sticky error
// and the last-frame time; the state machine only reads them.
type Session struct {
	addr    string
	framing Framing
	clock   clockwork.Clock
	tracef  func(format string, args ...interface{})

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   net.Conn

	connected atomic.Bool
	closed    atomic.Bool
	err       atomic.Pointer[error]
	lastFrame atomic.Int64

	frames  chan Frame
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// OpenSession starts dialing addr in the background and returns at once.
// Poll Connected and Err to follow progress.
func OpenSession(ctx context.Context, addr string, framing Framing, clock clockwork.Clock, tracef func(string, ...interface{})) *Session {
	if tracef == nil {
		tracef = func(string, ...interface{}) {}
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		addr:    addr,
		framing: framing,
		clock:   clock,
		tracef:  tracef,
		ctx:     sctx,
		cancel:  cancel,
		frames:  make(chan Frame, 64),
	}
	s.wg.Add(1)
	go s.dial()
	return s
}

func (s *Session) dial() {
	defer s.wg.Done()

	var d net.Dialer
	conn, err := d.DialContext(s.ctx, "tcp", s.addr)
	if err != nil {
		if !s.closed.Load() {
			s.fail(fmt.Errorf("connect %s: %w", s.addr, err))
		}
		close(s.frames)
		return
	}

	s.connMu.Lock()
	if s.closed.Load() {
		s.connMu.Unlock()
		_ = conn.Close()
		close(s.frames)
		return
	}
	s.conn = conn
	s.connMu.Unlock()

	s.lastFrame.Store(s.clock.Now().UnixNano())
	s.connected.Store(true)
	s.tracef("connected %s", s.addr)

	s.readLoop(conn)
}

func (s *Session) readLoop(conn net.Conn) {
	defer close(s.frames)
	defer s.connected.Store(false)

	reader := bufio.NewReader(conn)
	for {
		text, err := s.readOne(reader)
		if err != nil {
			if !s.closed.Load() {
				if errors.Is(err, io.EOF) {
					err = errors.New("terminal closed the connection")
				}
				s.fail(fmt.Errorf("read: %w", err))
			}
			return
		}

		frame, err := ParseFrame(text)
		if err != nil {
			s.tracef("<< unparseable %q: %v", text, err)
			continue
		}
		s.lastFrame.Store(s.clock.Now().UnixNano())
		s.tracef("<< %s", frame)

		select {
		case s.frames <- frame:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) readOne(r *bufio.Reader) (string, error) {
	if s.framing == FramingEnvelope {
		return ReadEnvelope(r)
	}
	line, err := r.ReadString('\n')
	if err != nil && (len(line) == 0 || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *Session) fail(err error) {
	s.err.CompareAndSwap(nil, &err)
	s.connected.Store(false)
	s.tracef("transport error: %v", err)
}

// Connected reports whether the socket is up.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Err returns the first transport error, if any. It never clears.
func (s *Session) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

// LastFrameAt is when the most recent frame arrived, or when the socket
// connected if none has.
func (s *Session) LastFrameAt() time.Time {
	return time.Unix(0, s.lastFrame.Load())
}

// Frames yields decoded inbound frames. It is closed when the reader stops.
func (s *Session) Frames() <-chan Frame {
	return s.frames
}

// Send writes one frame.
func (s *Session) Send(f Frame) error {
	if err := s.Err(); err != nil {
		return err
	}
	if !s.connected.Load() {
		return ErrNotConnected
	}

	var payload []byte
	if s.framing == FramingEnvelope {
		env, err := EncodeEnvelope(f.String())
		if err != nil {
			return err
		}
		payload = env
	} else {
		payload = []byte(f.String() + "\n")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(payload); err != nil {
		err = fmt.Errorf("write: %w", err)
		s.fail(err)
		return err
	}
	s.tracef(">> %s", f)
	return nil
}

// Close tears the session down and waits for its goroutines.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.wg.Wait()
	s.connected.Store(false)
	return err
}
