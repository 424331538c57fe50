package broker

import (
	"testing"
	"time"

	"github.com/mqttcore/broker/internal/er"
	"github.com/mqttcore/broker/internal/queue"
)

func connectedClient(db *Database, id string) *Client {
	client, _ := db.Connect(id, true, 60)
	client.Attach(nil, true, 60)
	return client
}

func TestConnectDisconnectCleanSession(t *testing.T) {
	db := Open(DefaultConfig())

	client, present := db.Connect("c1", true, 60)
	if present {
		t.Fatalf("expected no session present for a fresh clean_session client")
	}
	client.Attach(nil, true, 60)

	db.Disconnect("c1")
	if _, ok := db.ClientByID("c1"); ok {
		t.Fatalf("expected clean_session client to be torn down on disconnect")
	}
}

func TestConnectResumesPersistentSession(t *testing.T) {
	db := Open(DefaultConfig())

	client, _ := db.Connect("c1", false, 60)
	client.Attach(nil, false, 60)
	db.Disconnect("c1")

	resumed, present := db.Connect("c1", false, 60)
	if !present {
		t.Fatalf("expected session_present=true for a persistent reconnect")
	}
	if resumed != client {
		t.Fatalf("expected the same Client context to be resumed")
	}
}

func TestMessagesEasyQueueDeliversToSubscriber(t *testing.T) {
	db := Open(DefaultConfig())

	sub := connectedClient(db, "sub1")
	db.Subscribe(sub, "a/b", 1)

	delivered := db.MessagesEasyQueue("pub1", "a/b", 1, []byte("hello"), false)
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	if sub.Queue.Len() != 1 {
		t.Fatalf("expected 1 record queued for the subscriber, got %d", sub.Queue.Len())
	}
}

func TestSubscribeReplaysRetainedMessage(t *testing.T) {
	db := Open(DefaultConfig())

	db.MessagesEasyQueue("pub1", "a/b", 1, []byte("hello"), true)

	sub := connectedClient(db, "sub1")
	grantedQoS, ok := db.Subscribe(sub, "a/b", 2)
	if !ok || grantedQoS != 2 {
		t.Fatalf("expected subscribe to succeed with qos 2, got %v %d", ok, grantedQoS)
	}
	if sub.Queue.Len() != 1 {
		t.Fatalf("expected the retained message to be queued on subscribe, got %d", sub.Queue.Len())
	}
}

func TestSubscribeRejectsInvalidFilter(t *testing.T) {
	db := Open(DefaultConfig())
	sub := connectedClient(db, "sub1")

	if _, ok := db.Subscribe(sub, "a/b+/c", 0); ok {
		t.Fatalf("expected an invalid filter to be rejected")
	}
}

func TestQoS2FullRoundTrip(t *testing.T) {
	db := Open(DefaultConfig())

	sub := connectedClient(db, "sub1")
	db.Subscribe(sub, "a/b", 2)

	pub := connectedClient(db, "pub1")
	msg := db.MessageStore(pub.ID, 10, "a/b", 2, []byte("hi"), false, 0)

	res := db.MessageInsert(pub, 10, queue.In, 2, false, msg)
	if !res.IsOK() {
		t.Fatalf("expected inbound qos2 admitted directly, got %+v", res)
	}

	releaseRes := db.MessageRelease(pub, 10)
	if !releaseRes.IsOK() {
		t.Fatalf("expected release to succeed, got %+v", releaseRes)
	}
	if sub.Queue.Len() != 1 {
		t.Fatalf("expected the release to fan out to the subscriber, got %d", sub.Queue.Len())
	}
	if db.MessageStoreFind(pub, 10) != nil {
		t.Fatalf("expected the inbound record to be gone after release")
	}
}

func TestMessageReleaseUnknownMidIsNotFoundButSafe(t *testing.T) {
	db := Open(DefaultConfig())
	pub := connectedClient(db, "pub1")

	res := db.MessageRelease(pub, 999)
	if res.Kind != er.KindNotFound {
		t.Fatalf("expected a not-found result for an unknown mid, got %+v", res)
	}
}

func TestDroppedCountExcludesQoS0Disconnected(t *testing.T) {
	db := Open(Config{Limits: queue.Limits{MaxInflight: 0, MaxQueued: 0}})
	client := connectedClient(db, "c1")
	client.Detach()

	msg := db.MessageStore("src", 1, "a/b", 0, []byte("x"), false, 0)
	db.MessageInsert(client, 1, queue.Out, 0, false, msg)

	if db.DroppedCount() != 0 {
		t.Fatalf("expected a disconnected qos0 drop not to count toward DroppedCount, got %d", db.DroppedCount())
	}
}

func TestDroppedCountIncrementsOnAdmissionDrop(t *testing.T) {
	db := Open(Config{Limits: queue.Limits{MaxInflight: 1, MaxQueued: 1}})
	client := connectedClient(db, "c1")

	msg := db.MessageStore("src", 1, "a/b", 1, []byte("x"), false, 0)
	db.MessageInsert(client, 1, queue.Out, 1, false, msg) // fills the single inflight slot
	db.MessageInsert(client, 2, queue.Out, 1, false, msg) // fills the single queued slot
	db.MessageInsert(client, 3, queue.Out, 1, false, msg) // both full: dropped

	if db.DroppedCount() != 1 {
		t.Fatalf("expected 1 drop (queue full), got %d", db.DroppedCount())
	}
}

func TestLimitsSetIsObservedByInsert(t *testing.T) {
	db := Open(DefaultConfig())
	db.LimitsSet(1, 1)
	if db.Limits().MaxInflight != 1 || db.Limits().MaxQueued != 1 {
		t.Fatalf("expected updated limits to be observable, got %+v", db.Limits())
	}
}

func TestMessageTimeoutCheckSweepsAllClients(t *testing.T) {
	db := Open(DefaultConfig())
	client := connectedClient(db, "c1")

	msg := db.MessageStore("src", 1, "a/b", 1, []byte("x"), false, 0)
	db.MessageInsert(client, 1, queue.Out, 1, false, msg)

	client.Queue.Write(noopSender{}, db.Limits())

	var reverted []string
	db.MessageTimeoutCheck(-time.Hour, func(clientID string, mid uint16, from, to queue.State) {
		reverted = append(reverted, clientID)
	})
	if len(reverted) != 1 || reverted[0] != "c1" {
		t.Fatalf("expected onRevert called once for c1, got %+v", reverted)
	}

	select {
	case <-client.Wake():
	default:
		t.Fatalf("expected a timeout sweep to notify the client")
	}
}

type noopSender struct{}

func (noopSender) SendPublish(mid uint16, topic string, payload []byte, qos byte, retain bool, dup bool) error {
	return nil
}
func (noopSender) SendPubrec(mid uint16) error       { return nil }
func (noopSender) SendPubrel(mid uint16, dup bool) error { return nil }
func (noopSender) SendPubcomp(mid uint16) error      { return nil }
