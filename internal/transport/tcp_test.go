package transport

import (
	"bufio"
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	pkt "github.com/mqttcore/broker/internal/packet"
)

// fakeConn is a minimal net.Conn over an in-memory buffer, enough to
// exercise connSender's write path and readPacket's framing without a
// real socket.
type fakeConn struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (f *fakeConn) Read(b []byte) (int, error)  { return 0, nil }
func (f *fakeConn) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Write(b)
}
func (f *fakeConn) Close() error                       { return nil }
func (f *fakeConn) LocalAddr() net.Addr                { return nil }
func (f *fakeConn) RemoteAddr() net.Addr               { return nil }
func (f *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeConn) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Bytes()
}

func TestConnSenderSendPublishEncodesPacket(t *testing.T) {
	conn := &fakeConn{}
	sender := newConnSender(conn)

	if err := sender.SendPublish(7, "a/b", []byte("hello"), 1, false, false); err != nil {
		t.Fatalf("SendPublish: %v", err)
	}

	parsed, err := pkt.Parse(conn.written())
	if err != nil {
		t.Fatalf("parse encoded publish: %v", err)
	}
	if parsed.Type != pkt.PUBLISH {
		t.Fatalf("expected a PUBLISH packet, got %v", parsed.Type)
	}
	if parsed.Publish.Topic != "a/b" || string(parsed.Publish.Payload) != "hello" {
		t.Fatalf("unexpected decoded publish: %+v", parsed.Publish)
	}
}

func TestConnSenderSendPubrelEncodesPacketID(t *testing.T) {
	conn := &fakeConn{}
	sender := newConnSender(conn)

	if err := sender.SendPubrel(3, true); err != nil {
		t.Fatalf("SendPubrel: %v", err)
	}

	parsed, err := pkt.Parse(conn.written())
	if err != nil {
		t.Fatalf("parse encoded pubrel: %v", err)
	}
	if parsed.Type != pkt.PUBREL || parsed.Pubrel.PacketID != 3 {
		t.Fatalf("unexpected decoded pubrel: %+v", parsed.Pubrel)
	}
}

func TestReadPacketFramesFixedAndRemainingLength(t *testing.T) {
	conn := &fakeConn{}
	sender := newConnSender(conn)
	sender.SendPubrec(99)

	reader := bufio.NewReader(bytes.NewReader(conn.written()))
	raw, err := readPacket(reader)
	if err != nil {
		t.Fatalf("readPacket: %v", err)
	}

	parsed, err := pkt.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Type != pkt.PUBREC || parsed.Pubrec.PacketID != 99 {
		t.Fatalf("unexpected decoded pubrec: %+v", parsed.Pubrec)
	}
}

func TestReadPacketReturnsErrorOnTruncatedStream(t *testing.T) {
	// A fixed header claiming 10 remaining bytes but none supplied.
	reader := bufio.NewReader(bytes.NewReader([]byte{0x30, 0x0A}))
	if _, err := readPacket(reader); err == nil {
		t.Fatalf("expected an error reading a truncated packet")
	}
}
