package remotecmd_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/kubecp/remotecmd"
	"github.com/guseggert/kubecp/remotecmd/remotecmdtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testURL = "https://host/api/v1/namespaces/ns/pods/pod/exec?stdout=true"

func openSession(t *testing.T, conn *remotecmdtest.Conn, spec remotecmd.CommandSpec) *remotecmd.Session {
	t.Helper()
	dialer := &remotecmdtest.MockDialer{}
	dialer.On("Dial", mock.Anything, testURL, http.Header(nil)).Return(conn, nil).Once()
	s, err := remotecmd.Open(context.Background(), dialer, testURL, spec)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	dialer.AssertExpectations(t)
	return s
}

func TestSessionDemultiplexesOutput(t *testing.T) {
	conn := remotecmdtest.NewConn(remotecmd.ProtocolV5)
	s := openSession(t, conn, remotecmd.CommandSpec{Command: []string{"sh"}, Stdout: true, Stderr: true})
	assert.Equal(t, remotecmd.StateOpen, s.State())

	// handshake frames are empty and must be ignored
	conn.Deliver(remotecmd.StdoutChannel, nil)
	conn.Deliver(remotecmd.StderrChannel, nil)
	conn.Deliver(remotecmd.StdoutChannel, []byte("foo"))
	conn.Deliver(remotecmd.StderrChannel, []byte("bar"))
	conn.Deliver(remotecmd.StdoutChannel, []byte("baz"))
	conn.DeliverStatus(remotecmd.Status{Status: remotecmd.StatusSuccess})
	conn.Hangup(remotecmdtest.NormalClosure)

	stderrCh := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(s.Stderr())
		stderrCh <- string(b)
	}()
	stdout, err := io.ReadAll(s.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "foobaz", string(stdout))
	assert.Equal(t, "bar", <-stderrCh)

	st, err := s.AwaitStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, remotecmd.StatusSuccess, st.Status)

	<-s.Done()
	assert.Equal(t, remotecmd.StateClosed, s.State())
	assert.Equal(t, 1, conn.CloseCalls())
}

func TestSessionFailureStatus(t *testing.T) {
	conn := remotecmdtest.NewConn(remotecmd.ProtocolV5)
	s := openSession(t, conn, remotecmd.CommandSpec{Command: []string{"false"}})

	conn.DeliverStatus(remotecmd.NewExitStatus(1))
	conn.Hangup(remotecmdtest.NormalClosure)

	st, err := s.AwaitStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, remotecmd.StatusFailure, st.Status)

	var rerr *remotecmd.RemoteCommandError
	require.True(t, errors.As(st.Err(), &rerr))
	assert.Equal(t, 1, rerr.ExitCode)
}

func TestSessionClosedWithoutStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{name: "normal closure", err: remotecmdtest.NormalClosure},
		{name: "abnormal", err: io.ErrUnexpectedEOF},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			conn := remotecmdtest.NewConn(remotecmd.ProtocolV5)
			s := openSession(t, conn, remotecmd.CommandSpec{Command: []string{"true"}, Stdout: true})

			conn.Deliver(remotecmd.StdoutChannel, []byte("partial"))
			conn.Hangup(c.err)

			_, err := io.ReadAll(s.Stdout())
			var perr *remotecmd.ProtocolError
			require.True(t, errors.As(err, &perr), "stdout should fail with a protocol error, got %v", err)

			st, err := s.AwaitStatus(context.Background())
			assert.Nil(t, st)
			require.True(t, errors.As(err, &perr), "expected ProtocolError, got %v", err)
		})
	}
}

func TestSessionEmptyFrameIsProtocolError(t *testing.T) {
	conn := remotecmdtest.NewConn(remotecmd.ProtocolV5)
	s := openSession(t, conn, remotecmd.CommandSpec{Command: []string{"true"}})

	conn.DeliverRaw([]byte{})

	_, err := s.AwaitStatus(context.Background())
	var perr *remotecmd.ProtocolError
	require.True(t, errors.As(err, &perr))
	<-conn.Closed()
}

func TestSessionStdinV5(t *testing.T) {
	conn := remotecmdtest.NewConn(remotecmd.ProtocolV5)
	conn.OnWrite = func(c *remotecmdtest.Conn, frame []byte) {
		if remotecmd.Channel(frame[0]) == remotecmd.CloseChannel {
			c.DeliverStatus(remotecmd.Status{Status: remotecmd.StatusSuccess})
			c.Hangup(remotecmdtest.NormalClosure)
		}
	}
	s := openSession(t, conn, remotecmd.CommandSpec{Command: []string{"cat"}, Stdin: true})

	big := strings.Repeat("x", 70000)
	n, err := s.Stdin().Write([]byte(big))
	require.NoError(t, err)
	assert.Equal(t, len(big), n)
	require.NoError(t, s.Stdin().Close())
	require.NoError(t, s.Stdin().Close(), "closing twice is a no-op")

	st, err := s.AwaitStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, remotecmd.StatusSuccess, st.Status)

	assert.Equal(t, big, string(conn.SentOn(remotecmd.StdinChannel)))
	frames := conn.Sent()
	// 70000 bytes split in 32KiB frames, then the close signal
	require.Len(t, frames, 4)
	for _, f := range frames[:3] {
		assert.LessOrEqual(t, len(f)-1, 32768)
	}
	assert.Equal(t, []byte{byte(remotecmd.CloseChannel), byte(remotecmd.StdinChannel)}, frames[3])

	_, err = s.Stdin().Write([]byte("more"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestSessionStdinV4ClosesConnection(t *testing.T) {
	conn := remotecmdtest.NewConn(remotecmd.ProtocolV4)
	s := openSession(t, conn, remotecmd.CommandSpec{Command: []string{"cat"}, Stdin: true})

	_, err := s.Stdin().Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, s.Stdin().Close())

	<-conn.Closed()
	_, err = s.AwaitStatus(context.Background())
	assert.ErrorIs(t, err, remotecmd.ErrHalfCloseUnsupported)
	var perr *remotecmd.ProtocolError
	assert.True(t, errors.As(err, &perr))
}

func TestSessionStdinNotAttached(t *testing.T) {
	conn := remotecmdtest.NewConn(remotecmd.ProtocolV5)
	s := openSession(t, conn, remotecmd.CommandSpec{Command: []string{"true"}})
	_, err := s.Stdin().Write([]byte("x"))
	assert.Error(t, err)
	assert.Empty(t, conn.Sent())
}

func TestSessionCloseFailsAwaitStatus(t *testing.T) {
	conn := remotecmdtest.NewConn(remotecmd.ProtocolV5)
	s := openSession(t, conn, remotecmd.CommandSpec{Command: []string{"sleep", "100"}, Stdout: true})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.AwaitStatus(context.Background())
		errCh <- err
	}()

	require.NoError(t, s.Close())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, remotecmd.ErrSessionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("AwaitStatus did not return after Close")
	}
	assert.Equal(t, remotecmd.StateClosed, s.State())
	assert.Equal(t, 1, conn.CloseCalls())
}

func TestSessionContextCancel(t *testing.T) {
	conn := remotecmdtest.NewConn(remotecmd.ProtocolV5)
	dialer := &remotecmdtest.MockDialer{}
	dialer.On("Dial", mock.Anything, testURL, http.Header(nil)).Return(conn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := remotecmd.Open(ctx, dialer, testURL, remotecmd.CommandSpec{Command: []string{"sleep", "100"}, Stdout: true})
	require.NoError(t, err)

	// nobody reads stdout, so the frame reader blocks delivering it
	conn.Deliver(remotecmd.StdoutChannel, []byte("unread"))
	cancel()

	_, err = s.AwaitStatus(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	<-conn.Closed()
	<-s.Done()
}

func TestSessionAwaitStatusTimeout(t *testing.T) {
	conn := remotecmdtest.NewConn(remotecmd.ProtocolV5)
	s := openSession(t, conn, remotecmd.CommandSpec{Command: []string{"sleep", "100"}})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.AwaitStatus(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	<-conn.Closed()
}

func TestOpenDialError(t *testing.T) {
	dialer := &remotecmdtest.MockDialer{}
	dialer.On("Dial", mock.Anything, testURL, http.Header(nil)).Return(nil, errors.New("connection refused")).Once()

	_, err := remotecmd.Open(context.Background(), dialer, testURL, remotecmd.CommandSpec{})
	var cerr *remotecmd.ConnectionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, testURL, cerr.URL)
	assert.Contains(t, err.Error(), "connection refused")
	dialer.AssertNumberOfCalls(t, "Dial", 1)
}

func TestResize(t *testing.T) {
	conn := remotecmdtest.NewConn(remotecmd.ProtocolV5)
	s := openSession(t, conn, remotecmd.CommandSpec{Command: []string{"sh"}, Stdin: true, TTY: true})
	require.NoError(t, s.Resize(remotecmd.TerminalSize{Width: 80, Height: 24}))
	assert.JSONEq(t, `{"Width":80,"Height":24}`, string(conn.SentOn(remotecmd.ResizeChannel)))

	conn2 := remotecmdtest.NewConn(remotecmd.ProtocolV5)
	s2 := openSession(t, conn2, remotecmd.CommandSpec{Command: []string{"sh"}})
	assert.Error(t, s2.Resize(remotecmd.TerminalSize{Width: 80, Height: 24}))
}
