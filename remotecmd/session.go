package remotecmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxFramePayload is the largest payload written in a single outbound frame.
const maxFramePayload = 32768

type State int32

const (
	StateConnecting State = iota
	StateOpen
	// StateAwaitingStatus means local input is finished and only the status is outstanding.
	StateAwaitingStatus
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAwaitingStatus:
		return "awaiting_status"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// TerminalSize is the payload of a resize frame.
type TerminalSize struct {
	Width  uint16
	Height uint16
}

type SessionOption func(s *Session)

func WithSessionLogger(l *zap.SugaredLogger) SessionOption {
	return func(s *Session) {
		s.log = l
	}
}

// Session is one remote process attached over one connection.
// The connection is owned by the session and is closed exactly once,
// either by Close, by cancellation of the context passed to Open, or when the peer hangs up.
type Session struct {
	ID string

	log      *zap.SugaredLogger
	url      string
	spec     CommandSpec
	conn     Conn
	protocol string
	ctx      context.Context
	cancel   func()

	state atomic.Int32

	writeMut    sync.Mutex
	stdinClosed bool
	stdin       *stdinWriter

	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	statusOnce sync.Once
	statusDone chan struct{}
	status     *Status
	statusErr  error

	readDone chan struct{}

	closeOnce   sync.Once
	closeMut    sync.Mutex
	closeReason error
	closeErr    error
}

// Open dials url and starts demultiplexing the connection's channels.
// The session stays open until Close is called, ctx is done, or the peer closes the connection.
func Open(ctx context.Context, dialer Dialer, url string, spec CommandSpec, opts ...SessionOption) (*Session, error) {
	s := &Session{
		ID:         uuid.NewString(),
		log:        zap.NewNop().Sugar(),
		url:        url,
		spec:       spec,
		statusDone: make(chan struct{}),
		readDone:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("session").With("SessionID", s.ID)
	s.setState(StateConnecting)

	conn, err := dialer.Dial(ctx, url, nil)
	if err != nil {
		s.setState(StateClosed)
		return nil, &ConnectionError{URL: url, Err: err}
	}
	s.conn = conn
	s.protocol = conn.Subprotocol()
	s.log.Debugw("connected", "URL", url, "Protocol", s.protocol)

	s.stdoutR, s.stdoutW = io.Pipe()
	s.stderrR, s.stderrW = io.Pipe()
	s.stdin = &stdinWriter{s: s}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.setState(StateOpen)

	go s.readFrames()
	go func() {
		<-s.ctx.Done()
		s.closeWithReason(s.ctx.Err())
	}()
	return s, nil
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	for {
		cur := s.state.Load()
		// Closed is terminal
		if State(cur) == StateClosed && st != StateClosed {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			if State(cur) != st && s.log != nil {
				s.log.Debugw("state transition", "From", State(cur), "To", st)
			}
			return
		}
	}
}

// Protocol returns the negotiated subprotocol.
func (s *Session) Protocol() string { return s.protocol }

// Stdin returns the writer for the stdin channel. Closing it signals end of input to the remote process.
func (s *Session) Stdin() io.WriteCloser { return s.stdin }

// Stdout returns the reader for the stdout channel. It returns io.EOF once the connection
// has ended after delivering a status.
// The reader must be drained when stdout is attached, otherwise the session stalls.
func (s *Session) Stdout() io.Reader { return s.stdoutR }

// Stderr returns the reader for the stderr channel, with the same semantics as Stdout.
func (s *Session) Stderr() io.Reader { return s.stderrR }

// Resize sends a terminal size update. Only valid for tty sessions.
func (s *Session) Resize(size TerminalSize) error {
	if !s.spec.TTY {
		return errors.New("resize requires a tty session")
	}
	b, err := json.Marshal(size)
	if err != nil {
		return fmt.Errorf("encoding terminal size: %w", err)
	}
	return s.writeFrame(ResizeChannel, b)
}

// AwaitStatus waits for the status frame. A status with Status=Failure is returned without error;
// use Status.Err to turn it into a *RemoteCommandError.
// If ctx is done first, the session is closed.
func (s *Session) AwaitStatus(ctx context.Context) (*Status, error) {
	s.setState(StateAwaitingStatus)
	select {
	case <-s.statusDone:
		return s.status, s.statusErr
	case <-ctx.Done():
		err := ctx.Err()
		s.log.Debugf("await status context done: %s", err)
		s.closeWithReason(err)
		return nil, err
	}
}

// Result returns the status if it has already been received, without waiting.
func (s *Session) Result() (*Status, bool) {
	select {
	case <-s.statusDone:
		return s.status, s.status != nil
	default:
		return nil, false
	}
}

// Close closes the connection. Outstanding AwaitStatus calls fail with ErrSessionClosed.
func (s *Session) Close() error {
	return s.closeWithReason(ErrSessionClosed)
}

// Done is closed once the frame reader has exited.
func (s *Session) Done() <-chan struct{} { return s.readDone }

func (s *Session) closeWithReason(reason error) error {
	s.closeOnce.Do(func() {
		s.closeMut.Lock()
		s.closeReason = reason
		s.closeMut.Unlock()

		s.setState(StateClosed)
		if reason != nil {
			// unblock the frame reader if it is stuck delivering to a reader nobody drains
			s.stdoutR.CloseWithError(reason)
			s.stderrR.CloseWithError(reason)
		}
		// close before cancelling, a cancelled read drops the conn without a close frame
		s.closeErr = s.conn.Close()
		if s.closeErr != nil {
			s.log.Debugf("error closing conn: %s", s.closeErr)
		}
		s.cancel()
	})
	return s.closeErr
}

func (s *Session) localCloseReason() error {
	s.closeMut.Lock()
	defer s.closeMut.Unlock()
	return s.closeReason
}

func (s *Session) resolveStatus(st *Status, err error) {
	s.statusOnce.Do(func() {
		s.status = st
		s.statusErr = err
		close(s.statusDone)
	})
}

func (s *Session) readFrames() {
	defer close(s.readDone)

	var stdoutDropped, stderrDropped bool
	for {
		msg, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(false, err)
			return
		}
		ch, payload, err := DecodeFrame(msg)
		if err != nil {
			s.fail(err)
			return
		}
		switch ch {
		case StdoutChannel:
			s.deliver(s.stdoutW, s.spec.Stdout, &stdoutDropped, ch, payload)
		case StderrChannel:
			s.deliver(s.stderrW, s.spec.Stderr, &stderrDropped, ch, payload)
		case StatusChannel:
			st, err := ParseStatus(payload)
			if err != nil {
				s.fail(err)
				return
			}
			// the status is the last frame, whoever sees it first closes the connection
			s.log.Debugw("got status", "Status", st.Status, "Reason", st.Reason, "Message", st.Message)
			s.resolveStatus(st, nil)
			s.finish(true, nil)
			return
		default:
			s.log.Debugf("ignoring %d bytes on %s", len(payload), ch)
		}
	}
}

func (s *Session) deliver(w *io.PipeWriter, attached bool, dropped *bool, ch Channel, payload []byte) {
	if len(payload) == 0 || *dropped {
		return
	}
	if !attached {
		s.log.Debugf("dropping %d bytes on unattached %s", len(payload), ch)
		return
	}
	if _, err := w.Write(payload); err != nil {
		s.log.Debugf("%s reader went away, dropping further output: %s", ch, err)
		*dropped = true
	}
}

// fail tears the session down after a protocol violation.
func (s *Session) fail(err error) {
	s.log.Debugf("frame reader failed: %s", err)
	s.resolveStatus(nil, err)
	s.stdoutW.CloseWithError(err)
	s.stderrW.CloseWithError(err)
	s.closeWithReason(err)
}

// finish handles the end of the inbound stream.
func (s *Session) finish(gotStatus bool, readErr error) {
	if gotStatus {
		s.log.Debug("closing connection after status")
		s.stdoutW.Close()
		s.stderrW.Close()
		s.closeWithReason(nil)
		return
	}

	reason := s.localCloseReason()
	if reason == nil && s.ctx.Err() != nil {
		reason = s.ctx.Err()
	}
	var err error
	switch {
	case reason != nil:
		err = reason
	case IsNormalClosure(readErr):
		err = &ProtocolError{Msg: "connection closed before status was received"}
	default:
		err = &ProtocolError{Msg: "connection lost before status was received", Err: readErr}
	}
	s.log.Debugf("connection ended without status: %s", err)
	s.resolveStatus(nil, err)
	s.stdoutW.CloseWithError(err)
	s.stderrW.CloseWithError(err)
	s.closeWithReason(err)
}

func (s *Session) writeFrame(ch Channel, payload []byte) error {
	s.writeMut.Lock()
	defer s.writeMut.Unlock()
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	err := s.conn.Write(s.ctx, EncodeFrame(ch, payload))
	if err != nil {
		return &ConnectionError{URL: s.url, Err: err}
	}
	return nil
}

func (s *Session) supportsHalfClose() bool {
	return s.protocol == ProtocolV5
}

type stdinWriter struct {
	s *Session
}

func (w *stdinWriter) Write(p []byte) (int, error) {
	s := w.s
	if !s.spec.Stdin {
		return 0, errors.New("stdin is not attached")
	}
	s.writeMut.Lock()
	closed := s.stdinClosed
	s.writeMut.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}

	n := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxFramePayload {
			chunk = chunk[:maxFramePayload]
		}
		if err := s.writeFrame(StdinChannel, chunk); err != nil {
			return n, err
		}
		n += len(chunk)
		p = p[len(chunk):]
	}
	return n, nil
}

// Close signals end of stdin. On v5 this sends the close signal and the session keeps reading.
// Older protocols cannot half-close, so the connection itself is closed.
func (w *stdinWriter) Close() error {
	s := w.s
	s.writeMut.Lock()
	if s.stdinClosed {
		s.writeMut.Unlock()
		return nil
	}
	s.stdinClosed = true
	s.writeMut.Unlock()

	if !s.spec.Stdin {
		return nil
	}
	s.setState(StateAwaitingStatus)
	if s.supportsHalfClose() {
		s.log.Debug("sending stdin close signal")
		return s.writeFrame(CloseChannel, []byte{byte(StdinChannel)})
	}
	s.log.Debugw("protocol cannot half-close, closing connection", "Protocol", s.protocol)
	s.closeWithReason(&ProtocolError{Msg: "stdin closed", Err: ErrHalfCloseUnsupported})
	return nil
}
