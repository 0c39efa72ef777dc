package protocol

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/svalouch/burp-exporter/internal/config"
	"github.com/svalouch/burp-exporter/internal/log"
)

// readBufSize is how many bytes one socket read requests. A read returning
// fewer bytes than this is taken as the end of a logical message; a full
// buffer means more of the same message is on the wire.
const readBufSize = 2048

// Conn owns one TLS connection to a burp server. It is not safe for
// concurrent use; the daemon loop is its only caller.
type Conn struct {
	cfg *config.Server
	log zerolog.Logger

	conn net.Conn
	// buf accumulates raw bytes that do not yet form a complete frame.
	buf []byte
	// connected is set once the handshake completed, not at dial time.
	connected bool
	// inFlight marks a status query that has not been answered yet.
	inFlight bool

	lastQuery       time.Time
	lastConnAttempt time.Time
	contactAttempts uint64
	frameErrors     uint64
}

// NewConn prepares a connection for the given server. No I/O happens until
// Dial.
func NewConn(cfg *config.Server) *Conn {
	c := &Conn{
		cfg: cfg,
		log: log.L.With().Str("server", cfg.Name).Logger(),
	}
	// Backdate so the first loop pass dials and queries immediately.
	c.lastQuery = time.Now().Add(-cfg.RefreshInterval)
	return c
}

// Name returns the configured server name.
func (c *Conn) Name() string { return c.cfg.Name }

// Config returns the server configuration this connection uses.
func (c *Conn) Config() *config.Server { return c.cfg }

// Connected reports whether the handshake has completed on the current
// socket.
func (c *Conn) Connected() bool { return c.connected }

// InFlight reports whether a status query is awaiting its answer.
func (c *Conn) InFlight() bool { return c.inFlight }

// LastQuery returns when the last status query was sent.
func (c *Conn) LastQuery() time.Time { return c.lastQuery }

// LastConnAttempt returns when the socket was last dialed.
func (c *Conn) LastConnAttempt() time.Time { return c.lastConnAttempt }

// ContactAttempts returns how often a connection has been attempted.
func (c *Conn) ContactAttempts() uint64 { return c.contactAttempts }

// FrameErrors returns how many received buffers failed frame decoding.
func (c *Conn) FrameErrors() uint64 { return c.frameErrors }

// Dial opens the TCP connection and runs the TLS handshake. The server
// certificate must chain to the configured CA and carry the configured
// cname; the client certificate is presented for mutual authentication.
// The protocol-level login is a separate step, see Handshake.
func (c *Conn) Dial() error {
	if c.conn != nil {
		return nil
	}
	c.lastConnAttempt = time.Now()
	c.contactAttempts++
	c.connected = false

	tlsConf, err := c.tlsConfig()
	if err != nil {
		return err
	}
	c.log.Debug().Str("address", c.cfg.Address()).Msg("dialing")
	tcp, err := net.DialTimeout("tcp", c.cfg.Address(), c.cfg.Timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.cfg.Address(), err)
	}
	tc := tls.Client(tcp, tlsConf)
	tc.SetDeadline(time.Now().Add(c.cfg.Timeout))
	if err := tc.Handshake(); err != nil {
		tc.Close()
		return fmt.Errorf("tls handshake with %s failed: %w", c.cfg.Address(), err)
	}
	tc.SetDeadline(time.Time{})
	c.conn = tc
	return nil
}

func (c *Conn) tlsConfig() (*tls.Config, error) {
	ca, err := os.ReadFile(c.cfg.TLSCACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("no usable certificates in %s", c.cfg.TLSCACert)
	}
	cert, err := tls.LoadX509KeyPair(c.cfg.TLSCert, c.cfg.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		ServerName:   c.cfg.CName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// MarkReady flags the connection as logged in. Called by the daemon after a
// successful protocol handshake.
func (c *Conn) MarkReady() { c.connected = true }

// Close tears the socket down. It is idempotent and clears the receive
// buffer and the in-flight marker so a reconnect starts clean.
func (c *Conn) Close() {
	c.connected = false
	c.inFlight = false
	c.buf = nil
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.log.Info().Msg("socket teardown complete")
	}
}

// WriteCommand encodes and sends one frame. Used during the handshake and
// for status queries alike, so it only requires a socket, not a completed
// login.
func (c *Conn) WriteCommand(cmd byte, data string) error {
	if c.conn == nil {
		return ErrNoSocket
	}
	frame, err := EncodeFrame(cmd, []byte(data))
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout))
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// ReadReply performs the dedicated blocking read used during the handshake:
// it accumulates reads until a short read marks the message boundary or the
// configured timeout elapses, and returns the raw bytes as a string. An
// empty string means the timeout elapsed without data.
func (c *Conn) ReadReply() (string, error) {
	if c.conn == nil {
		return "", ErrNoSocket
	}
	var data []byte
	buf := make([]byte, readBufSize)
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout))
		n, err := c.conn.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			if errors.Is(err, io.EOF) {
				c.log.Warn().Msg("connection closed during handshake")
				c.Close()
				if len(data) == 0 {
					return "", ErrClosedByPeer
				}
				break
			}
			return "", err
		}
		if n < len(buf) {
			break
		}
	}
	if len(data) == 0 {
		c.log.Debug().Msg("no data, timeout elapsed")
	}
	return string(data), nil
}

// Refresh sends a status query if the refresh interval has elapsed and no
// query is in flight. Overlapping queries are never sent; a pending one is
// logged and skipped.
func (c *Conn) Refresh(now time.Time) error {
	if !c.connected {
		return nil
	}
	if now.Sub(c.lastQuery) < c.cfg.RefreshInterval {
		return nil
	}
	if c.inFlight {
		c.log.Warn().Msg("waiting for a query to return")
		return nil
	}
	c.lastQuery = now
	if err := c.WriteCommand(TypeCommand, "c:"); err != nil {
		return err
	}
	c.inFlight = true
	return nil
}

// Receive performs one deadline-gated read. A timeout yields no frames and
// no error. A closed peer tears the socket down and returns ErrClosedByPeer.
// A short read marks the end of a logical message: the accumulated bytes run
// through the frame decoder, the in-flight marker clears, and the decoded
// frames are returned. A full read keeps accumulating.
func (c *Conn) Receive(deadline time.Time) ([]Frame, error) {
	if c.conn == nil {
		return nil, ErrNoSocket
	}
	buf := make([]byte, readBufSize)
	c.conn.SetReadDeadline(deadline)
	n, err := c.conn.Read(buf)
	if n > 0 {
		c.buf = append(c.buf, buf[:n]...)
	}
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, nil
		}
		c.log.Warn().Err(err).Msg("received no data, assuming loss of connection")
		c.Close()
		return nil, ErrClosedByPeer
	}
	c.log.Debug().Int("bytes", n).Msg("read")
	if n == len(buf) {
		// Full buffer, the rest of the message is still on the wire.
		return nil, nil
	}
	frames, rest, err := Feed(c.buf)
	c.buf = rest
	c.inFlight = false
	if err != nil {
		c.frameErrors++
		return frames, err
	}
	return frames, nil
}
