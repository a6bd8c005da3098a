package execserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/guseggert/kubecp/remotecmd"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ExecPath is the route of the exec endpoint.
const ExecPath = "/api/v1/namespaces/:namespace/pods/:pod/exec"

// Server serves the exec endpoint, running each requested command as a local process.
type Server struct {
	log *zap.SugaredLogger

	listenAddr string
	dir        string
	tlsConfig  *tls.Config
	protocols  []string

	router     *httprouter.Router
	httpServer *http.Server
	listener   net.Listener
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Sugar()
	}
}

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithDir sets the working directory of every process the server starts.
func WithDir(dir string) Option {
	return func(s *Server) {
		s.dir = dir
	}
}

// WithTLSConfig serves over TLS. Use tlsutil.ServerTLSConfig to also require client certs.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

// WithProtocols restricts the subprotocols the server accepts.
func WithProtocols(protocols ...string) Option {
	return func(s *Server) {
		s.protocols = protocols
	}
}

func New(opts ...Option) *Server {
	s := &Server{
		log:        zap.NewNop().Sugar(),
		listenAddr: "127.0.0.1:8080",
		protocols:  remotecmd.Protocols,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("exec_server")

	s.router = httprouter.New()
	s.router.GET(ExecPath, s.exec)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Listen binds the listen address. It is separate from Serve so callers know when the server is reachable.
func (s *Server) Listen() error {
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	if s.tlsConfig != nil {
		l = tls.NewListener(l, s.tlsConfig)
	}
	s.listener = l
	s.httpServer = &http.Server{Handler: s}
	s.log.Infow("listening", "Addr", l.Addr().String(), "TLS", s.tlsConfig != nil)
	return nil
}

// Serve serves on the listener bound by Listen and returns once the server has stopped.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// execRequest is the decoded query of an exec call.
type execRequest struct {
	namespace string
	pod       string
	spec      remotecmd.CommandSpec
}

func parseExecRequest(r *http.Request, params httprouter.Params) (execRequest, error) {
	q := r.URL.Query()
	req := execRequest{
		namespace: params.ByName("namespace"),
		pod:       params.ByName("pod"),
		spec: remotecmd.CommandSpec{
			Command:   q["command"],
			Container: q.Get("container"),
		},
	}
	flags := []struct {
		name string
		dst  *bool
	}{
		{"stdin", &req.spec.Stdin},
		{"stdout", &req.spec.Stdout},
		{"stderr", &req.spec.Stderr},
		{"tty", &req.spec.TTY},
	}
	for _, f := range flags {
		v := q.Get(f.name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return execRequest{}, fmt.Errorf("invalid value %q for %s", v, f.name)
		}
		*f.dst = b
	}
	if len(req.spec.Command) == 0 || req.spec.Command[0] == "" {
		return execRequest{}, errors.New("you must specify a command")
	}
	if !req.spec.Stdin && !req.spec.Stdout && !req.spec.Stderr {
		return execRequest{}, errors.New("you must specify at least one of stdin, stdout, stderr")
	}
	return req, nil
}

func (s *Server) exec(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	req, err := parseExecRequest(r, params)
	if err != nil {
		s.log.Debugf("rejecting exec request: %s", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:    s.protocols,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)
	id := uuid.NewString()
	log := s.log.With("SessionID", id)
	log.Debugw("accepted exec",
		"Namespace", req.namespace,
		"Pod", req.pod,
		"Container", req.spec.Container,
		"Command", req.spec.Command,
		"Protocol", wsConn.Subprotocol(),
	)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	runner := &execRunner{
		log:      log.Named("runner"),
		conn:     wsConn,
		ctx:      ctx,
		cancel:   cancel,
		spec:     req.spec,
		dir:      s.dir,
		protocol: wsConn.Subprotocol(),
	}
	runner.run()
}

type execRunner struct {
	log      *zap.SugaredLogger
	conn     *websocket.Conn
	ctx      context.Context
	cancel   func()
	spec     remotecmd.CommandSpec
	dir      string
	protocol string

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMut      sync.Mutex
	closeConnOnce sync.Once
	closeStdin    sync.Once
	wg            sync.WaitGroup
}

func (r *execRunner) run() {
	if err := r.start(); err != nil {
		r.log.Debugf("error starting process: %s", err)
		st := remotecmd.Status{
			Status:  remotecmd.StatusFailure,
			Message: fmt.Sprintf("starting command: %s", err),
			Reason:  "InternalError",
		}
		if err := r.writeStatus(st); err != nil {
			r.log.Debugf("error sending status: %s", err)
		}
		r.close(websocket.StatusNormalClosure, "")
		return
	}
	r.log.Debugf("process %d started", r.cmd.Process.Pid)

	r.wg.Add(1)
	go r.readMessages()

	r.waitAndWriteStatus()
	r.close(websocket.StatusNormalClosure, "")
	r.cancel()
	r.wg.Wait()
}

func (r *execRunner) start() error {
	cmd := exec.Command(r.spec.Command[0], r.spec.Command[1:]...)
	cmd.Dir = r.dir

	if r.spec.Stdout {
		cmd.Stdout = &frameWriter{r: r, ch: remotecmd.StdoutChannel}
	}
	if r.spec.Stderr {
		cmd.Stderr = &frameWriter{r: r, ch: remotecmd.StderrChannel}
	}
	// a tty merges stderr into stdout
	if r.spec.TTY && r.spec.Stdout {
		cmd.Stderr = cmd.Stdout
	}
	if r.spec.Stdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("building stdin pipe: %w", err)
		}
		r.stdin = stdin
	}
	r.cmd = cmd

	// an empty frame per output channel announces it to the client
	for _, ch := range []struct {
		attached bool
		ch       remotecmd.Channel
	}{{r.spec.Stdout, remotecmd.StdoutChannel}, {r.spec.Stderr, remotecmd.StderrChannel}} {
		if !ch.attached {
			continue
		}
		if err := r.writeFrame(ch.ch, nil); err != nil {
			return fmt.Errorf("sending channel handshake: %w", err)
		}
	}

	return cmd.Start()
}

func (r *execRunner) close(code websocket.StatusCode, reason string) {
	r.closeConnOnce.Do(func() {
		err := r.conn.Close(code, reason)
		if err != nil {
			r.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (r *execRunner) closeProcessStdin() {
	if r.stdin == nil {
		return
	}
	r.closeStdin.Do(func() {
		r.log.Debug("closing process stdin")
		r.stdin.Close()
	})
}

// readMessages feeds stdin frames to the process until the client closes stdin or the connection.
func (r *execRunner) readMessages() {
	defer r.wg.Done()
	defer r.closeProcessStdin()

	for {
		typ, msg, err := r.conn.Read(r.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				r.log.Debug("got normal closure from client, letting the process finish")
				return
			}
			if r.ctx.Err() == nil {
				r.log.Debugf("message reader got error, killing process: %s", err)
				r.cancel()
			}
			return
		}
		if typ != websocket.MessageBinary {
			r.log.Debugf("ignoring %s message", typ)
			continue
		}
		ch, payload, err := remotecmd.DecodeFrame(msg)
		if err != nil {
			r.log.Debugf("ignoring bad frame: %s", err)
			continue
		}
		switch ch {
		case remotecmd.StdinChannel:
			if r.stdin == nil || len(payload) == 0 {
				continue
			}
			if _, err := r.stdin.Write(payload); err != nil {
				r.log.Debugf("error writing to process stdin: %s", err)
			}
		case remotecmd.CloseChannel:
			if r.protocol != remotecmd.ProtocolV5 {
				r.log.Debugf("ignoring close signal on protocol %q", r.protocol)
				continue
			}
			if len(payload) == 1 && remotecmd.Channel(payload[0]) == remotecmd.StdinChannel {
				r.closeProcessStdin()
			}
		case remotecmd.ResizeChannel:
			var size remotecmd.TerminalSize
			if err := json.Unmarshal(payload, &size); err != nil {
				r.log.Debugf("ignoring bad resize frame: %s", err)
				continue
			}
			r.log.Debugw("ignoring resize, no terminal is allocated", "Width", size.Width, "Height", size.Height)
		default:
			r.log.Debugf("ignoring %d bytes on %s", len(payload), ch)
		}
	}
}

func (r *execRunner) waitAndWriteStatus() {
	// if the request is aborted, kill the process
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.ctx.Done():
			r.cmd.Process.Kill()
		case <-done:
		}
	}()

	err := r.cmd.Wait()
	exitCode := r.cmd.ProcessState.ExitCode()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			r.log.Debugf("unexpected exit error: %s", err)
		}
	}

	r.log.Debugf("process %d exited with code %d, sending status", r.cmd.Process.Pid, exitCode)
	if err := r.writeStatus(remotecmd.NewExitStatus(exitCode)); err != nil {
		r.log.Debugf("error sending status: %s", err)
	}
}

func (r *execRunner) writeStatus(st remotecmd.Status) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	return r.writeFrame(remotecmd.StatusChannel, b)
}

func (r *execRunner) writeFrame(ch remotecmd.Channel, payload []byte) error {
	r.writeMut.Lock()
	defer r.writeMut.Unlock()
	return r.conn.Write(r.ctx, websocket.MessageBinary, remotecmd.EncodeFrame(ch, payload))
}

// frameWriter sends process output on one channel, chunked to the frame size.
type frameWriter struct {
	r  *execRunner
	ch remotecmd.Channel
}

func (w *frameWriter) Write(b []byte) (int, error) {
	n := 0
	for len(b) > 0 {
		chunk := b
		if len(chunk) > frameSize {
			chunk = chunk[:frameSize]
		}
		if err := w.r.writeFrame(w.ch, chunk); err != nil {
			return n, err
		}
		n += len(chunk)
		b = b[len(chunk):]
	}
	return n, nil
}

const (
	frameSize = 32768
	readLimit = 1 << 20
)
