package remotecmd

import (
	"context"
	"fmt"
	"io"
)

const pumpBufSize = maxFramePayload

// PumpError reports which side of a pump failed.
type PumpError struct {
	// Op is "read" or "write".
	Op  string
	Err error
}

func (e *PumpError) Error() string { return fmt.Sprintf("pump %s: %s", e.Op, e.Err) }

func (e *PumpError) Unwrap() error { return e.Err }

type closeWithErrorer interface {
	CloseWithError(err error) error
}

// Pump copies src to dst in order until src returns io.EOF, then closes dst.
// Each chunk is written before the next read starts, so a slow dst slows down reading.
// A write failure closes src, if it is an io.Closer, so its producer stops.
// A read failure closes dst with the error when dst supports CloseWithError.
func Pump(ctx context.Context, src io.Reader, dst io.WriteCloser) (int64, error) {
	buf := make([]byte, pumpBufSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			closeSource(src, err)
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := dst.Write(buf[:n])
			written += int64(m)
			if werr == nil && m != n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				closeSource(src, werr)
				return written, &PumpError{Op: "write", Err: werr}
			}
		}
		if rerr == io.EOF {
			if err := dst.Close(); err != nil {
				return written, &PumpError{Op: "write", Err: fmt.Errorf("closing sink: %w", err)}
			}
			return written, nil
		}
		if rerr != nil {
			if c, ok := dst.(closeWithErrorer); ok {
				c.CloseWithError(rerr)
			}
			return written, &PumpError{Op: "read", Err: rerr}
		}
	}
}

func closeSource(src io.Reader, err error) {
	switch c := src.(type) {
	case closeWithErrorer:
		c.CloseWithError(err)
	case io.Closer:
		c.Close()
	}
}
