package proxy

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fakePeer plays the proxy side of a net.Pipe.
type fakePeer struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

// handshake reads the HELLO line and answers with response.
func (p *fakePeer) handshake(response string) {
	line, err := p.reader.ReadString('\n')
	if err != nil {
		p.t.Errorf("peer: read HELLO: %v", err)
		return
	}
	if !strings.HasPrefix(line, "HELLO tasklink/") {
		p.t.Errorf("peer: HELLO line = %q", line)
	}
	if _, err := io.WriteString(p.conn, response); err != nil {
		p.t.Errorf("peer: write handshake response: %v", err)
	}
}

// next reads the next request frame.
func (p *fakePeer) next() (Frame, error) {
	return ReadFrame(p.reader)
}

// reply answers req with msg.
func (p *fakePeer) reply(id uint64, msg Message, info *ErrorInfo) {
	if err := WriteFrame(p.conn, Frame{ID: id, Message: msg, Error: info}); err != nil {
		p.t.Errorf("peer: write reply %d: %v", id, err)
	}
}

// openPipe returns an open client Conn wired to a fake peer that has
// completed the handshake.
func openPipe(t *testing.T) (*Conn, *fakePeer) {
	t.Helper()
	client, server := net.Pipe()
	peer := &fakePeer{t: t, conn: server, reader: bufio.NewReader(server)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.handshake("OK fake-proxy\n")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Open(ctx, client, ConnOptions{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	<-done

	t.Cleanup(func() {
		conn.Close()
		server.Close()
	})
	return conn, peer
}

// newPipeCorrelator returns a correlator over a fake peer.
func newPipeCorrelator(t *testing.T, opts CorrelatorOptions) (*Correlator, *fakePeer) {
	t.Helper()
	conn, peer := openPipe(t)
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	c, err := NewCorrelator(conn, opts)
	if err != nil {
		t.Fatalf("NewCorrelator: %v", err)
	}
	return c, peer
}
