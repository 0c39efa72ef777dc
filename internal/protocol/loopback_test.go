package protocol

import (
	"crypto/tls"
	"net"
	"testing"

	"github.com/svalouch/burp-exporter/internal/testcert"
)

func tlsServerConn(conn net.Conn, certs *testcert.Set) *tls.Conn {
	return tls.Server(conn, certs.ServerTLS)
}

// scriptedServer accepts one connection and plays the server side of the
// login sequence, then answers a single status query with snapshot. It must
// not touch t; it runs in its own goroutine.
func scriptedServer(_ *testing.T, ln net.Listener, certs *testcert.Set, snapshot string) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	c := tlsServerConn(conn, certs)
	defer c.Close()

	buf := make([]byte, 2048)
	reply := func(s string) bool {
		enc, err := EncodeFrame(TypeCommand, []byte(s))
		if err != nil {
			return false
		}
		_, err = c.Write(enc)
		return err == nil
	}

	for _, r := range []string{
		"whoareyou:2.1.32",
		"okpassword",
		"ok",
		"nocsr ok",
		"extra_comms_begin ok",
		"extra_comms_end ok",
	} {
		if _, err := c.Read(buf); err != nil {
			return
		}
		if !reply(r) {
			return
		}
	}

	// j:pretty-print-off gets the ack and the stray empty message.
	if _, err := c.Read(buf); err != nil {
		return
	}
	c.Write([]byte("c0001\n"))
	c.Write([]byte("c0001\n"))

	// One status query, one snapshot.
	if _, err := c.Read(buf); err != nil {
		return
	}
	reply(snapshot)
}
