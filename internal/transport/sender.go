package transport

import (
	"net"
	"sync"

	pkt "github.com/mqttcore/broker/internal/packet"
	"github.com/mqttcore/broker/internal/queue"
)

// connSender adapts a net.Conn into a queue.Sender, encoding each
// delivery-state-machine emission with internal/packet and serializing
// every write through one mutex. The mutex matters because a
// connection has two independent writers: this client's own inline
// PUBACK/PUBREC/PUBCOMP/SUBACK/UNSUBACK/PINGRESP replies (written from
// the reader goroutine) and the per-client write-pump goroutine
// draining queued deliveries — both must never interleave their bytes
// on the wire. CONNACK does not go through connSender: it is written
// directly on the conn before the write pump starts.
type connSender struct {
	mu   sync.Mutex
	conn net.Conn
}

func newConnSender(conn net.Conn) *connSender {
	return &connSender{conn: conn}
}

func (s *connSender) write(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Write(b)
	return err
}

// SendPublish implements queue.Sender.
func (s *connSender) SendPublish(mid uint16, topic string, payload []byte, qos byte, retain bool, dup bool) error {
	p := &pkt.PublishPacket{
		DUP:     dup,
		QoS:     pkt.QoSLevel(qos),
		Retain:  retain,
		Topic:   topic,
		Payload: payload,
	}
	if qos > 0 {
		id := mid
		p.PacketID = &id
	}
	return s.write(p.Encode())
}

// SendPubrec implements queue.Sender.
func (s *connSender) SendPubrec(mid uint16) error {
	return s.write(pkt.NewPubRec(mid).Encode())
}

// SendPubrel implements queue.Sender.
func (s *connSender) SendPubrel(mid uint16, dup bool) error {
	return s.write(pkt.NewPubRel(mid, dup).Encode())
}

// SendPubcomp implements queue.Sender.
func (s *connSender) SendPubcomp(mid uint16) error {
	return s.write(pkt.NewPubComp(mid).Encode())
}

var _ queue.Sender = (*connSender)(nil)
