package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/mqttcore/broker/internal/auth"
	"github.com/mqttcore/broker/internal/broker"
	"github.com/mqttcore/broker/internal/logger"
	pkt "github.com/mqttcore/broker/internal/packet"
	"github.com/mqttcore/broker/internal/queue"
	"github.com/mqttcore/broker/pkg/er"
)

// TCPServer is the broker's network front end: the fixed-header read
// loop and CONNACK-reason-code mapping are kept close to the teacher's
// shape (Pyr33x-goqtt/internal/transport/tcp.go), rewired to drive a
// broker.Database instead of writing ad hoc ack bytes directly and an
// unfinished broker.Broker session map.
type TCPServer struct {
	addr               string
	listener           net.Listener
	db                 *broker.Database
	metrics            *broker.Metrics
	authStore          *auth.Store
	log                *logger.Logger
	isShuttingdown     atomic.Bool
	maxConnections     int
	currentConnections atomic.Int32

	storeCleanInterval   time.Duration
	timeoutCheckInterval time.Duration
	ackTimeout           time.Duration
	metricsInterval      time.Duration
}

// New creates a TCPServer bound to addr, fronting database and
// authenticating CONNECTs against authStore (nil disables auth
// entirely — every CONNECT is accepted).
func New(addr string, database *broker.Database, authStore *auth.Store, metrics *broker.Metrics, log *logger.Logger) *TCPServer {
	return &TCPServer{
		addr:                 addr,
		db:                   database,
		metrics:              metrics,
		authStore:            authStore,
		log:                  log,
		maxConnections:       1000,
		storeCleanInterval:   10 * time.Second,
		timeoutCheckInterval: 5 * time.Second,
		ackTimeout:           20 * time.Second,
		metricsInterval:      15 * time.Second,
	}
}

// Start begins accepting TCP connections and the background sweeps
// that keep the shared store, delivery queues and metrics current.
func (srv *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", srv.addr))
	if err != nil {
		return err
	}
	srv.listener = listener
	go srv.accept(ctx)
	go srv.sweepLoop(ctx)
	return nil
}

// Configure overrides the sweep intervals and ack timeout with values
// loaded from the YAML config, replacing the compiled-in defaults set
// by New. Call before Start.
func (srv *TCPServer) Configure(storeCleanInterval, timeoutCheckInterval, ackTimeout time.Duration) {
	if storeCleanInterval > 0 {
		srv.storeCleanInterval = storeCleanInterval
	}
	if timeoutCheckInterval > 0 {
		srv.timeoutCheckInterval = timeoutCheckInterval
	}
	if ackTimeout > 0 {
		srv.ackTimeout = ackTimeout
	}
}

// Stop shuts down the listener gracefully.
func (srv *TCPServer) Stop() error {
	srv.isShuttingdown.Store(true)
	if srv.listener != nil {
		return srv.listener.Close()
	}
	return nil
}

func (srv *TCPServer) accept(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn, err := srv.listener.Accept()
			if err != nil {
				if srv.isShuttingdown.Load() {
					return
				}
				srv.log.LogError(err, "accept error")
				continue
			}
			go srv.handleConnection(ctx, conn)
		}
	}
}

// sweepLoop runs the store-clean, timeout-check and metrics-sample
// passes on independent tickers until ctx is cancelled.
func (srv *TCPServer) sweepLoop(ctx context.Context) {
	storeTicker := time.NewTicker(srv.storeCleanInterval)
	timeoutTicker := time.NewTicker(srv.timeoutCheckInterval)
	metricsTicker := time.NewTicker(srv.metricsInterval)
	defer storeTicker.Stop()
	defer timeoutTicker.Stop()
	defer metricsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-storeTicker.C:
			n := srv.db.StoreClean()
			if n > 0 {
				srv.log.LogStoreSweep(n, srv.db.StoreCount())
			}
		case <-timeoutTicker.C:
			srv.db.MessageTimeoutCheck(srv.ackTimeout, func(clientID string, mid uint16, from, to queue.State) {
				srv.log.LogTimeoutSweep(clientID, mid, to.String())
			})
		case <-metricsTicker.C:
			if srv.metrics != nil {
				srv.metrics.Sample(srv.db)
			}
		}
	}
}

func (srv *TCPServer) checkServerAvailability() string {
	if srv.isShuttingdown.Load() {
		return "server is shutting down"
	}
	if srv.currentConnections.Load() >= int32(srv.maxConnections) {
		return "maximum connections exceeded"
	}
	return ""
}

func (srv *TCPServer) handleConnection(parent context.Context, conn net.Conn) {
	defer conn.Close()

	if reason := srv.checkServerAvailability(); reason != "" {
		conn.Write(pkt.NewConnAck(false, pkt.ServerUnavailable))
		return
	}

	srv.currentConnections.Add(1)
	defer srv.currentConnections.Add(-1)

	reader := bufio.NewReader(conn)
	sender := newConnSender(conn)

	var client *broker.Client
	fireWill := true

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	defer func() {
		if client == nil {
			return
		}
		client.Detach()
		if fireWill && client.WillTopic != nil {
			srv.db.MessagesEasyQueue(client.ID, *client.WillTopic, client.WillQoS, []byte(*client.WillMessage), client.WillRetain)
		}
		srv.db.Disconnect(client.ID)
	}()

	for {
		raw, err := readPacket(reader)
		if err != nil {
			if client != nil && !errors.Is(err, io.EOF) {
				srv.log.LogError(err, "read error", logger.ClientID(client.ID))
			}
			return
		}

		parsed, err := pkt.Parse(raw)
		if err != nil {
			if client == nil {
				srv.sendAndClose(conn, connackReasonFor(err))
				return
			}
			srv.log.LogError(err, "parse error", logger.ClientID(client.ID))
			continue
		}

		if client == nil {
			client, err = srv.handleConnect(conn, parsed)
			if err != nil {
				return
			}
			go srv.writePump(ctx, client, sender)
			continue
		}

		switch parsed.Type {
		case pkt.PUBLISH:
			srv.handlePublish(client, sender, parsed.Publish)

		case pkt.PUBREC:
			// Broker-as-publisher leg (qos2 Out delivery): peer stored
			// our PUBLISH, release it for PUBCOMP and move to PUBREL.
			srv.db.MessageUpdate(client, parsed.Pubrec.PacketID, queue.Out, queue.ResendPubrel)
			srv.log.LogDeliveryTransition(client.ID, parsed.Pubrec.PacketID, queue.WaitForPubrec.String(), queue.ResendPubrel.String())
			client.Notify()

		case pkt.PUBCOMP:
			srv.db.MessageDelete(client, parsed.Pubcomp.PacketID, queue.Out)

		case pkt.PUBACK:
			srv.db.MessageDelete(client, parsed.Puback.PacketID, queue.Out)

		case pkt.PUBREL:
			srv.handlePubrel(client, sender, parsed.Pubrel)

		case pkt.SUBSCRIBE:
			srv.handleSubscribe(client, sender, parsed.Subscribe)

		case pkt.UNSUBSCRIBE:
			srv.handleUnsubscribe(client, sender, parsed.Unsubscribe)

		case pkt.PINGREQ:
			sender.write(pkt.CreatePingresp().Encode())

		case pkt.DISCONNECT:
			fireWill = false // graceful disconnect never fires the will
			return

		default:
			srv.log.Warn("unhandled packet type", logger.ClientID(client.ID), slog.Any("type", parsed.Type))
		}
	}
}

// readPacket reads one complete MQTT control packet: a 1-byte fixed
// header, a variable-length remaining-length field, then that many
// bytes of variable header + payload.
func readPacket(reader *bufio.Reader) ([]byte, error) {
	fixedHeaderByte, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	remLenBuf := make([]byte, 4)
	remLenOffset := 0
	remainingLength := 0
	multiplier := 1

	for {
		if remLenOffset >= len(remLenBuf) {
			return nil, &er.Err{Context: "Transport, Remaining Length", Message: errRemainingLengthTooLarge}
		}
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		remLenBuf[remLenOffset] = b
		remLenOffset++
		remainingLength += int(b&0x7F) * multiplier
		multiplier *= 128
		if (b & 0x80) == 0 {
			break
		}
	}

	raw := make([]byte, 1+remLenOffset+remainingLength)
	raw[0] = fixedHeaderByte
	copy(raw[1:1+remLenOffset], remLenBuf[:remLenOffset])
	if _, err := io.ReadFull(reader, raw[1+remLenOffset:]); err != nil {
		return nil, err
	}
	return raw, nil
}

var errRemainingLengthTooLarge = errors.New("remaining length field exceeds 4 bytes")

func connackReasonFor(err error) []byte {
	switch {
	case errors.Is(err, er.ErrUnsupportedProtocolLevel), errors.Is(err, er.ErrUnsupportedProtocolName):
		return pkt.NewConnAck(false, pkt.UnacceptableProtocolVersion)
	case errors.Is(err, er.ErrInvalidCharsClientID), errors.Is(err, er.ErrClientIDLengthExceed), errors.Is(err, er.ErrIdentifierRejected):
		return pkt.NewConnAck(false, pkt.IdentifierRejected)
	case errors.Is(err, er.ErrPasswordWithoutUsername), errors.Is(err, er.ErrMalformedUsernameField), errors.Is(err, er.ErrMalformedPasswordField):
		return pkt.NewConnAck(false, pkt.BadUsernameOrPassword)
	default:
		return pkt.NewConnAck(false, pkt.ServerUnavailable)
	}
}

func (srv *TCPServer) sendAndClose(conn net.Conn, ack []byte) {
	if len(ack) > 0 {
		conn.Write(ack)
	}
}

// handleConnect processes the first packet on a new connection, which
// must be CONNECT, authenticating and installing the client context on
// success.
func (srv *TCPServer) handleConnect(conn net.Conn, parsed *pkt.ParsedPacket) (*broker.Client, error) {
	if !parsed.IsConnect() {
		srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.UnacceptableProtocolVersion))
		return nil, errNotConnect
	}
	cp := parsed.Connect

	if cp.UsernameFlag && cp.PasswordFlag && srv.authStore != nil {
		if err := srv.authStore.Authenticate(*cp.Username, *cp.Password); err != nil {
			srv.log.LogAuth(cp.ClientID, *cp.Username, false, err.Error())
			srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.BadUsernameOrPassword))
			return nil, err
		}
	}

	client, sessionPresent := srv.db.Connect(cp.ClientID, cp.CleanSession, cp.KeepAlive)
	client.Attach(conn, cp.CleanSession, cp.KeepAlive)
	if !cp.CleanSession && sessionPresent {
		srv.db.MessageReconnectReset(client)
	}

	if cp.WillFlag {
		client.WillTopic = cp.WillTopic
		client.WillMessage = cp.WillMessage
		client.WillQoS = cp.WillQoS
		client.WillRetain = cp.WillRetain
	} else {
		client.WillTopic = nil
		client.WillMessage = nil
	}

	if _, err := conn.Write(pkt.NewConnAck(sessionPresent, pkt.ConnectionAccepted)); err != nil {
		return nil, err
	}
	srv.log.LogClientConnection(cp.ClientID, conn.RemoteAddr().String(), "connected")
	return client, nil
}

var errNotConnect = &er.Err{Context: "Transport", Message: errors.New("first packet was not CONNECT")}

func (srv *TCPServer) handlePublish(client *broker.Client, sender *connSender, p *pkt.PublishPacket) {
	qos := byte(p.QoS)

	switch qos {
	case 0:
		srv.db.MessagesEasyQueue(client.ID, p.Topic, 0, p.Payload, p.Retain)

	case 1:
		srv.db.MessagesEasyQueue(client.ID, p.Topic, 1, p.Payload, p.Retain)
		if p.PacketID != nil {
			sender.write(pkt.NewPubAck(*p.PacketID).Encode())
		}

	case 2:
		if p.PacketID == nil {
			return
		}
		mid := *p.PacketID
		if srv.db.HasInboundRecord(client, mid) {
			sender.write(pkt.NewPubRec(mid).Encode())
			return
		}
		msg := srv.db.MessageStore(client.ID, mid, p.Topic, 2, p.Payload, p.Retain, 0)
		res := srv.db.MessageInsert(client, mid, queue.In, 2, p.Retain, msg)
		if res.IsOK() {
			sender.write(pkt.NewPubRec(mid).Encode())
		}
	}

	if srv.metrics != nil {
		srv.metrics.IncPublish(qos)
	}
}

func (srv *TCPServer) handlePubrel(client *broker.Client, sender *connSender, p *pkt.PubrelPacket) {
	srv.db.MessageRelease(client, p.PacketID)
	sender.write(pkt.NewPubComp(p.PacketID).Encode())
}

func (srv *TCPServer) handleSubscribe(client *broker.Client, sender *connSender, sp *pkt.SubscribePacket) {
	codes := make([]byte, len(sp.Filters))
	for i, f := range sp.Filters {
		granted, ok := srv.db.Subscribe(client, f.Topic, byte(f.QoS))
		if !ok {
			codes[i] = pkt.SubackFailure
			continue
		}
		codes[i] = granted
		srv.log.LogSubscription(client.ID, f.Topic, int(granted), "subscribe")
	}
	suback := &pkt.SubackPacket{PacketID: sp.PacketID, ReturnCodes: codes}
	sender.write(suback.Encode())
}

func (srv *TCPServer) handleUnsubscribe(client *broker.Client, sender *connSender, up *pkt.UnsubscribePacket) {
	for _, filter := range up.TopicFilters {
		srv.db.Unsubscribe(client, filter)
		srv.log.LogSubscription(client.ID, filter, 0, "unsubscribe")
	}
	unsuback := pkt.NewUnsubAck(up)
	sender.write(unsuback.Encode())
}

// writePump drains client's delivery queue onto sender whenever woken,
// until ctx is cancelled (connection closed) or a write fails.
func (srv *TCPServer) writePump(ctx context.Context, client *broker.Client, sender *connSender) {
	ticker := time.NewTicker(srv.ackTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Wake():
		case <-ticker.C:
		}
		if err := srv.db.MessageWrite(client, sender); err != nil {
			return
		}
	}
}
