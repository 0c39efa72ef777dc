package protocol

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedTransport replays canned replies and records everything sent.
type scriptedTransport struct {
	replies []string
	sent    []string
}

func (s *scriptedTransport) WriteCommand(cmd byte, data string) error {
	s.sent = append(s.sent, string(cmd)+":"+data)
	return nil
}

func (s *scriptedTransport) ReadReply() (string, error) {
	if len(s.replies) == 0 {
		return "", nil
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

var testParams = Params{
	ClientCName: "monitor",
	Password:    "hunter2",
	Version:     "2.1.28",
}

func TestHandshake(t *testing.T) {
	tr := &scriptedTransport{replies: []string{
		"c0016whoareyou:2.1.32",
		"c000bokpassword",
		"c0003ok",
		"c0009nocsr ok",
		"c0015extra_comms_begin ok",
		"c0013extra_comms_end ok",
		"c0001\n",
		"c0001\n",
	}}
	require.NoError(t, Handshake(tr, testParams, zerolog.Nop()))
	assert.Equal(t, []string{
		"c:hello:2.1.28",
		"c:monitor",
		"c:hunter2",
		"c:nocsr",
		"c:extra_comms_begin",
		"c:extra_comms_end",
		"c:j:pretty-print-off",
	}, tr.sent, "no capability acks expected without tokens")
}

func TestHandshakeCapabilities(t *testing.T) {
	tr := &scriptedTransport{replies: []string{
		"c0016whoareyou:2.1.32",
		"c000bokpassword",
		"c0003ok",
		"c0009nocsr ok",
		"c0030extra_comms_begin ok:counters_json:uname:msg:",
		"c0013extra_comms_end ok",
		"c0001\n",
		"c0001\n",
	}}
	require.NoError(t, Handshake(tr, testParams, zerolog.Nop()))
	assert.Contains(t, tr.sent, "c:counters_json ok")
	assert.Contains(t, tr.sent, "c:uname=Linux")
	assert.Contains(t, tr.sent, "c:msg")
}

// A warning frame may precede the ok after the password; it is logged and
// skipped.
func TestHandshakeWarningBeforeOk(t *testing.T) {
	tr := &scriptedTransport{replies: []string{
		"c0016whoareyou:2.1.32",
		"c000bokpassword",
		"w0020client cert expires soon",
		"c0003ok",
		"c0009nocsr ok",
		"c0015extra_comms_begin ok",
		"c0013extra_comms_end ok",
		"c0001\n",
		"c0001\n",
	}}
	require.NoError(t, Handshake(tr, testParams, zerolog.Nop()))
}

func TestHandshakeFailures(t *testing.T) {
	tests := []struct {
		name    string
		replies []string
		step    string
	}{
		{"no whoareyou", []string{"c0008go away"}, "hello"},
		{"no okpassword", []string{"c0016whoareyou:2.1.32", "c0008denied!"}, "cname"},
		{"silence after password", []string{"c0016whoareyou:2.1.32", "c000bokpassword", ""}, "password"},
		{"warning then silence", []string{"c0016whoareyou:2.1.32", "c000bokpassword", "w0008expired", "c0005nope"}, "password"},
		{"nocsr rejected", []string{"c0016whoareyou:2.1.32", "c000bokpassword", "c0003ok", "c0006denied"}, "nocsr"},
		{"extra_comms_begin rejected", []string{
			"c0016whoareyou:2.1.32", "c000bokpassword", "c0003ok", "c0009nocsr ok", "c0006denied",
		}, "extra_comms_begin"},
		{"extra_comms_end rejected", []string{
			"c0016whoareyou:2.1.32", "c000bokpassword", "c0003ok", "c0009nocsr ok",
			"c0015extra_comms_begin ok", "c0006denied",
		}, "extra_comms_end"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := &scriptedTransport{replies: tc.replies}
			err := Handshake(tr, testParams, zerolog.Nop())
			var herr *HandshakeError
			require.ErrorAs(t, err, &herr)
			assert.Equal(t, tc.step, herr.Step)
		})
	}
}
