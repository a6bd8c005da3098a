package remotecmd

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	ProtocolV5 = "v5.channel.k8s.io"
	ProtocolV4 = "v4.channel.k8s.io"

	// readLimit bounds a single inbound message. Servers send up to 32KiB of payload per frame.
	readLimit = 1 << 20
)

// Protocols are the subprotocols offered when dialing, most preferred first.
var Protocols = []string{ProtocolV5, ProtocolV4}

// Conn is a message-oriented duplex connection. Each Read returns one whole message.
// Write may be called concurrently with Read, but not concurrently with itself.
type Conn interface {
	// Subprotocol returns the negotiated subprotocol.
	Subprotocol() string
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, b []byte) error
	Close() error
}

// Dialer opens connections to exec endpoints.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebSocketDialer dials exec endpoints over WebSocket. The URL may use http(s) or ws(s).
type WebSocketDialer struct {
	// HTTPClient is used for the upgrade request, e.g. to carry a TLS config. Optional.
	HTTPClient *http.Client
	// Header is sent with every upgrade request when Dial is given no header, e.g. for Authorization.
	Header     http.Header
	Logger     *zap.SugaredLogger
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	log := d.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if header == nil {
		header = d.Header
	}
	log.Debugw("dialing WebSocket for exec", "URL", url)
	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:      d.HTTPClient,
		HTTPHeader:      header,
		Subprotocols:    Protocols,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(readLimit)
	return &wsConnAdapter{conn: wsConn}, nil
}

type wsConnAdapter struct {
	conn *websocket.Conn
}

func (c *wsConnAdapter) Subprotocol() string { return c.conn.Subprotocol() }

func (c *wsConnAdapter) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, b, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		// text frames are only used by the base64 subprotocols, which are never offered
		if typ == websocket.MessageBinary {
			return b, nil
		}
	}
}

func (c *wsConnAdapter) Write(ctx context.Context, b []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, b)
}

func (c *wsConnAdapter) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// IsNormalClosure reports whether err is the result of the peer closing the connection cleanly.
func IsNormalClosure(err error) bool {
	return websocket.CloseStatus(err) == websocket.StatusNormalClosure
}
