package inbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MaxFrameSize bounds a single frame.
const MaxFrameSize = 10 * 1024 * 1024

// Ack is the server's reply to one delivered frame.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// WriteFrame writes a length-prefixed JSON frame.
// Format: [4-byte BigEndian length][JSON payload]
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame into v.
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}

// ============================================================================
// Socket - unix socket server feeding a Memory buffer
// ============================================================================

// Socket accepts frames on a unix socket and buffers them for the scheduler.
// Each connection carries one Message frame and gets one Ack back.
type Socket struct {
	path        string
	listener    net.Listener
	buf         *Memory
	log         zerolog.Logger
	connTimeout time.Duration
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

// Listen starts a server on path, replacing a stale socket file.
func Listen(path string, buffer int, log zerolog.Logger) (*Socket, error) {
	_ = os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		path:        path,
		listener:    listener,
		buf:         NewMemory(buffer),
		log:         log.With().Str("component", "inbox.socket").Logger(),
		connTimeout: 30 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Path returns the socket path.
func (s *Socket) Path() string { return s.path }

// Ready implements Channel.
func (s *Socket) Ready() bool { return s.buf.Ready() }

// Receive implements Channel.
func (s *Socket) Receive(ctx context.Context) (Message, error) { return s.buf.Receive(ctx) }

// Close stops accepting, waits for open connections and removes the socket.
func (s *Socket) Close() error {
	s.cancel()
	err := s.listener.Close()
	s.wg.Wait()
	_ = s.buf.Close()
	_ = os.Remove(s.path)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Socket) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Warn().Err(err).Msg("accept error")
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Socket) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("panic in handleConn")
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var msg Message
	if err := ReadFrame(conn, &msg); err != nil {
		s.log.Warn().Err(err).Msg("read frame error")
		return
	}

	ack := Ack{OK: true}
	if err := s.buf.Send(msg.Payload, msg.T0); err != nil {
		ack = Ack{Error: err.Error()}
	}
	if err := WriteFrame(conn, ack); err != nil {
		s.log.Warn().Err(err).Msg("write ack error")
	}
}

// ============================================================================
// Client
// ============================================================================

// Client sends payloads to a Socket.
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient returns a client for the socket at path.
func NewClient(path string) *Client {
	return &Client{path: path, timeout: 30 * time.Second}
}

// SetTimeout bounds dial, write and ack read.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Send delivers one payload stamped now and waits for the ack.
func (c *Client) Send(payload string) error {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to scheduler at %s: %w", c.path, err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := WriteFrame(conn, Message{Payload: payload, T0: time.Now()}); err != nil {
		return fmt.Errorf("send payload: %w", err)
	}
	var ack Ack
	if err := ReadFrame(conn, &ack); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("scheduler rejected payload: %s", ack.Error)
	}
	return nil
}
