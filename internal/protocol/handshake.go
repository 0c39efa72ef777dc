package protocol

import (
	"strings"

	"github.com/rs/zerolog"
)

// Transport is the connection surface the handshake drives. Replies are the
// raw bytes of one logical server message, frame headers included, since the
// login sequence matches on substrings rather than decoded frames.
type Transport interface {
	WriteCommand(cmd byte, data string) error
	ReadReply() (string, error)
}

// Params configures one handshake run.
type Params struct {
	// ClientCName is the name to log in as.
	ClientCName string
	// Password authenticates the cname.
	Password string
	// Version is the burp client version to announce.
	Version string
}

// Handshake drives the fixed burp login sequence over t. On success the
// server has JSON pretty-printing disabled and is ready for status queries.
// Any unexpected reply aborts with a HandshakeError; the caller tears the
// connection down and retries later.
func Handshake(t Transport, p Params, log zerolog.Logger) error {
	if err := t.WriteCommand(TypeCommand, "hello:"+p.Version); err != nil {
		return err
	}
	data, err := t.ReadReply()
	if err != nil {
		return err
	}
	if !strings.Contains(data, "whoareyou") {
		return &HandshakeError{Step: "hello", Reason: "did not receive whoareyou"}
	}
	if i := strings.LastIndexByte(data, ':'); i >= 0 {
		log.Debug().Str("server_version", data[i+1:]).Msg("server announced version")
	}

	if err := t.WriteCommand(TypeCommand, p.ClientCName); err != nil {
		return err
	}
	if data, err = t.ReadReply(); err != nil {
		return err
	}
	if !strings.Contains(data, "okpassword") {
		return &HandshakeError{Step: "cname", Reason: "unexpected data: " + data}
	}

	if err := t.WriteCommand(TypeCommand, p.Password); err != nil {
		return err
	}
	if data, err = t.ReadReply(); err != nil {
		return err
	}
	if data == "" {
		return &HandshakeError{Step: "password", Reason: "no data after sending password"}
	}
	// The server may prepend a warning frame, e.g. about a pending
	// certificate expiry. Log it and read on for the ok.
	if data[0] == TypeWarning {
		log.Warn().Str("warning", trimHeader(data)).Msg("received warning from server")
		if data, err = t.ReadReply(); err != nil {
			return err
		}
	}
	if !strings.Contains(data, "ok") {
		return &HandshakeError{Step: "password", Reason: "no ok after sending password"}
	}

	if err := expect(t, "nocsr", "nocsr ok"); err != nil {
		return err
	}

	if err := t.WriteCommand(TypeCommand, "extra_comms_begin"); err != nil {
		return err
	}
	if data, err = t.ReadReply(); err != nil {
		return err
	}
	if !strings.Contains(data, "extra_comms_begin ok") {
		return &HandshakeError{Step: "extra_comms_begin", Reason: "unexpected data: " + data}
	}

	// Acknowledge the capabilities the server offers. None of these get an
	// immediate reply of their own.
	if strings.Contains(data, ":counters_json:") {
		if err := t.WriteCommand(TypeCommand, "counters_json ok"); err != nil {
			return err
		}
	}
	if strings.Contains(data, ":uname:") {
		if err := t.WriteCommand(TypeCommand, "uname=Linux"); err != nil {
			return err
		}
	}
	if strings.Contains(data, ":msg:") {
		if err := t.WriteCommand(TypeCommand, "msg"); err != nil {
			return err
		}
	}

	if err := expect(t, "extra_comms_end", "extra_comms_end ok"); err != nil {
		return err
	}

	// Disable pretty printing. The server acknowledges and emits one extra
	// newline message; both reads are discarded unconditionally. From here
	// on every status update arrives as exactly one message.
	if err := t.WriteCommand(TypeCommand, "j:pretty-print-off"); err != nil {
		return err
	}
	if _, err = t.ReadReply(); err != nil {
		return err
	}
	if _, err = t.ReadReply(); err != nil {
		return err
	}
	return nil
}

// expect sends cmd and requires want as a substring of the reply.
func expect(t Transport, cmd, want string) error {
	if err := t.WriteCommand(TypeCommand, cmd); err != nil {
		return err
	}
	data, err := t.ReadReply()
	if err != nil {
		return err
	}
	if !strings.Contains(data, want) {
		return &HandshakeError{Step: cmd, Reason: "did not receive " + want}
	}
	return nil
}

// trimHeader drops the 5-byte frame header from a raw reply for logging.
func trimHeader(data string) string {
	if len(data) > headerLen {
		return data[headerLen:]
	}
	return data
}
