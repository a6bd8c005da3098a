package cp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/guseggert/kubecp/remotecmd"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// stderrTailSize is how much of the remote stderr is kept for error messages.
const stderrTailSize = 4096

// Target addresses a container in a pod.
type Target struct {
	Namespace string
	Pod       string
	Container string
}

// Copier copies files between the local filesystem and containers, by running tar in the container
// over the exec endpoint.
type Copier struct {
	log     *zap.SugaredLogger
	baseURL string
	dialer  remotecmd.Dialer
}

type Option func(c *Copier)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Copier) {
		c.log = l
	}
}

// NewCopier constructs a Copier. baseURL is the scheme and host of the API server, and may be empty
// if the dialer resolves bare paths.
func NewCopier(baseURL string, dialer remotecmd.Dialer, opts ...Option) *Copier {
	c := &Copier{
		log:     zap.NewNop().Sugar(),
		baseURL: baseURL,
		dialer:  dialer,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named("copier")
	return c
}

type copyOptions struct {
	cwd              string
	allowUnconfirmed bool
}

type CopyOption func(o *copyOptions)

// WithCwd sets the remote working directory tar runs in.
func WithCwd(dir string) CopyOption {
	return func(o *copyOptions) {
		o.cwd = dir
	}
}

// AllowUnconfirmed makes ToPod succeed on servers that cannot half-close stdin (v4).
// Those servers never get to report a status, so a failed extraction goes unnoticed.
func AllowUnconfirmed() CopyOption {
	return func(o *copyOptions) {
		o.allowUnconfirmed = true
	}
}

func applyCopyOptions(opts []CopyOption) copyOptions {
	var o copyOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// FromPodCommand returns the command that streams remotePath out of the container as a gzipped tar.
func FromPodCommand(remotePath, cwd string) []string {
	cmd := []string{"tar", "zcf", "-"}
	if cwd != "" {
		cmd = append(cmd, "-C", cwd)
	}
	return append(cmd, remotePath)
}

// ToPodCommand returns the command that extracts a tar from stdin into remotePath.
// tar applies -C options in order, so a relative remotePath is resolved against cwd.
func ToPodCommand(remotePath, cwd string) []string {
	cmd := []string{"tar", "xf", "-"}
	if cwd != "" {
		cmd = append(cmd, "-C", cwd)
	}
	return append(cmd, "-C", remotePath)
}

func (c *Copier) open(ctx context.Context, t Target, spec remotecmd.CommandSpec) (*remotecmd.Session, error) {
	req := remotecmd.ExecRequest{Namespace: t.Namespace, Pod: t.Pod, Spec: spec}
	u := req.URL(c.baseURL)
	c.log.Debugw("opening exec session", "URL", u, "Command", spec.Command)
	return remotecmd.Open(ctx, c.dialer, u, spec, remotecmd.WithSessionLogger(c.log))
}

// FromPod copies remotePath out of the container into the local directory localPath.
func (c *Copier) FromPod(ctx context.Context, t Target, remotePath, localPath string, opts ...CopyOption) error {
	o := applyCopyOptions(opts)
	spec := remotecmd.CommandSpec{
		Command:   FromPodCommand(remotePath, o.cwd),
		Container: t.Container,
		Stdout:    true,
		Stderr:    true,
	}
	sess, err := c.open(ctx, t, spec)
	if err != nil {
		return err
	}
	defer sess.Close()
	log := c.log.With("SessionID", sess.ID)

	stderr := &tailBuffer{max: stderrTailSize}
	var extractErr error
	var group errgroup.Group
	group.Go(func() error {
		drainStderr(log, sess.Stderr(), stderr)
		return nil
	})
	group.Go(func() error {
		extractErr = extractTarGz(log, sess.Stdout(), localPath)
		var lerr *LocalIOError
		if errors.As(extractErr, &lerr) {
			log.Debugf("local error extracting archive, closing session: %s", extractErr)
			sess.Close()
			return extractErr
		}
		// keep the session flowing until the status arrives
		_, _ = io.Copy(io.Discard, sess.Stdout())
		return nil
	})
	if err := group.Wait(); err != nil {
		return err
	}

	if err := c.checkStatus(ctx, sess, stderr); err != nil {
		return err
	}
	if extractErr != nil {
		return fmt.Errorf("extracting archive from %s/%s: %w", t.Namespace, t.Pod, extractErr)
	}
	return nil
}

// ToPod copies the local file or directory localPath into the container directory remotePath.
func (c *Copier) ToPod(ctx context.Context, t Target, localPath, remotePath string, opts ...CopyOption) error {
	o := applyCopyOptions(opts)
	if _, err := os.Lstat(localPath); err != nil {
		return &LocalIOError{Op: "stat", Path: localPath, Err: err}
	}
	spec := remotecmd.CommandSpec{
		Command:   ToPodCommand(remotePath, o.cwd),
		Container: t.Container,
		Stdin:     true,
		Stderr:    true,
	}
	sess, err := c.open(ctx, t, spec)
	if err != nil {
		return err
	}
	defer sess.Close()
	log := c.log.With("SessionID", sess.ID)

	stderr := &tailBuffer{max: stderrTailSize}
	archiveR, archiveW := io.Pipe()
	var encodeErr, pumpErr error
	var group errgroup.Group
	group.Go(func() error {
		encodeErr = writeTar(archiveW, localPath)
		archiveW.CloseWithError(encodeErr)
		return encodeErr
	})
	group.Go(func() error {
		var n int64
		n, pumpErr = remotecmd.Pump(ctx, archiveR, sess.Stdin())
		log.Debugw("done sending archive", "Bytes", n, "Error", pumpErr)
		if pumpErr != nil {
			// abort without waiting for the status
			sess.Close()
		}
		return pumpErr
	})
	group.Go(func() error {
		drainStderr(log, sess.Stderr(), stderr)
		return nil
	})
	_ = group.Wait()

	var lerr *LocalIOError
	if errors.As(encodeErr, &lerr) {
		return encodeErr
	}
	if pumpErr != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		// the remote side may have exited and reported a status before we finished sending
		if st, ok := sess.Result(); ok {
			return statusError(st, stderr)
		}
		var cerr *remotecmd.ConnectionError
		if errors.As(pumpErr, &cerr) {
			return cerr
		}
		return fmt.Errorf("sending archive to %s/%s: %w", t.Namespace, t.Pod, pumpErr)
	}

	err = c.checkStatus(ctx, sess, stderr)
	if errors.Is(err, remotecmd.ErrHalfCloseUnsupported) && o.allowUnconfirmed {
		log.Warnw("server cannot half-close stdin, so the copy result is unconfirmed", "Protocol", sess.Protocol())
		return nil
	}
	return err
}

func (c *Copier) checkStatus(ctx context.Context, sess *remotecmd.Session, stderr *tailBuffer) error {
	st, err := sess.AwaitStatus(ctx)
	if err != nil {
		return err
	}
	return statusError(st, stderr)
}

func statusError(st *remotecmd.Status, stderr *tailBuffer) error {
	err := st.Err()
	var rerr *remotecmd.RemoteCommandError
	if errors.As(err, &rerr) {
		rerr.Stderr = stderr.String()
	}
	return err
}

func drainStderr(log *zap.SugaredLogger, r io.Reader, tail *tailBuffer) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			log.Debugf("remote stderr: %s", buf[:n])
			tail.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return strings.TrimSpace(string(b.buf))
}
