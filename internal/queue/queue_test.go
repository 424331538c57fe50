package queue

import (
	"testing"
	"time"

	"github.com/mqttcore/broker/internal/er"
	"github.com/mqttcore/broker/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, *store.Message) {
	t.Helper()
	st := store.New()
	msg := st.Store("pub1", 1, "a/b", 1, []byte("payload"), false, 0)
	return st, msg
}

func TestInsertOutQoS1Connected(t *testing.T) {
	st, msg := newTestStore(t)
	q := New()

	res := q.Insert(st, msg, 1, Out, 1, false, true, DefaultLimits())
	if !res.IsOK() {
		t.Fatalf("expected OK, got %+v", res)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", q.Len())
	}
}

func TestInsertInQoS1Rejected(t *testing.T) {
	st, msg := newTestStore(t)
	q := New()

	// An inbound qos<2 record should never reach the queue — PUBACK is
	// a direct, synchronous ack with no delivery record.
	res := q.Insert(st, msg, 1, In, 1, false, true, DefaultLimits())
	if res.Kind != er.KindInvalid {
		t.Fatalf("expected invalid, got %+v", res)
	}
}

func TestInsertInQoS2GoesToWaitForPubrel(t *testing.T) {
	st, msg := newTestStore(t)
	q := New()

	res := q.Insert(st, msg, 5, In, 2, false, true, DefaultLimits())
	if !res.IsOK() {
		t.Fatalf("expected OK, got %+v", res)
	}
	if !q.Has(5, In) {
		t.Fatalf("expected record to be present")
	}
}

func TestInsertQueuedWhenInflightFull(t *testing.T) {
	st, msg := newTestStore(t)
	q := New()
	limits := Limits{MaxInflight: 1, MaxQueued: 10}

	if res := q.Insert(st, msg, 1, Out, 1, false, true, limits); !res.IsOK() {
		t.Fatalf("first insert should be admitted directly: %+v", res)
	}
	res := q.Insert(st, msg, 2, Out, 1, false, true, limits)
	if res.Kind != er.KindQueued || res.Dropped() {
		t.Fatalf("second insert should be queued, not dropped: %+v", res)
	}
}

func TestInsertDroppedWhenQueueFull(t *testing.T) {
	st, msg := newTestStore(t)
	q := New()
	limits := Limits{MaxInflight: 1, MaxQueued: 1}

	q.Insert(st, msg, 1, Out, 1, false, true, limits)
	q.Insert(st, msg, 2, Out, 1, false, true, limits)
	res := q.Insert(st, msg, 3, Out, 1, false, true, limits)
	if !res.Dropped() {
		t.Fatalf("expected drop once both caps are exhausted, got %+v", res)
	}
}

func TestInsertQoS0DroppedWhenDisconnected(t *testing.T) {
	st, msg := newTestStore(t)
	q := New()

	res := q.Insert(st, msg, 0, Out, 0, false, false, DefaultLimits())
	if !res.Dropped() || res.Reason != er.DroppedQoS0Disconnected {
		t.Fatalf("expected DroppedQoS0Disconnected, got %+v", res)
	}
}

func TestWriteQoS1Handshake(t *testing.T) {
	st, msg := newTestStore(t)
	q := New()
	q.Insert(st, msg, 1, Out, 1, false, true, DefaultLimits())

	fake := newFakeSender()
	if err := q.Write(fake, DefaultLimits()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(fake.publishes) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(fake.publishes))
	}
	if !fake.publishes[0].dup {
		t.Fatalf("expected dup=true on qos1 publish (original always sets dup once sent)")
	}

	q.Update(1, Out, WaitForPuback)
	q.Delete(st, 1, Out, DefaultLimits())
	if q.Len() != 0 {
		t.Fatalf("expected record removed after ack-equivalent delete")
	}
}

func TestWriteQoS2FullHandshake(t *testing.T) {
	st, msg := newTestStore(t)
	q := New()
	q.Insert(st, msg, 7, Out, 2, false, true, DefaultLimits())

	fake := newFakeSender()
	q.Write(fake, DefaultLimits())
	if len(fake.publishes) != 1 {
		t.Fatalf("expected PUBLISH sent, got %d", len(fake.publishes))
	}

	q.Update(7, Out, ResendPubrel)
	q.Write(fake, DefaultLimits())
	if len(fake.pubrels) != 1 {
		t.Fatalf("expected PUBREL sent, got %d", len(fake.pubrels))
	}
	if !fake.pubrels[0].dup {
		t.Fatalf("ResendPubrel must always send dup=true, matching the original's hardcoded behavior")
	}

	q.Delete(st, 7, Out, DefaultLimits())
	if q.Len() != 0 {
		t.Fatalf("expected record removed on PUBCOMP-equivalent delete")
	}
}

func TestReleaseUnknownMidStillOK(t *testing.T) {
	q := New()
	_, found := q.Release(999)
	if found {
		t.Fatalf("expected not found for unknown mid")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	st, _ := newTestStore(t)
	q := New()
	res := q.Delete(st, 42, Out, DefaultLimits())
	if !res.IsOK() {
		t.Fatalf("deleting a missing record should still report OK, got %+v", res)
	}
}

func TestPumpQueuePromotesOnDelete(t *testing.T) {
	st, msg := newTestStore(t)
	q := New()
	limits := Limits{MaxInflight: 1, MaxQueued: 10}

	q.Insert(st, msg, 1, Out, 1, false, true, limits)
	res := q.Insert(st, msg, 2, Out, 1, false, true, limits)
	if res.Kind != er.KindQueued {
		t.Fatalf("expected second record queued, got %+v", res)
	}

	q.Delete(st, 1, Out, limits)

	fake := newFakeSender()
	if err := q.Write(fake, limits); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(fake.publishes) != 1 {
		t.Fatalf("expected the promoted record to publish, got %d", len(fake.publishes))
	}
}

func TestTimeoutResendsWaitingRecords(t *testing.T) {
	st, msg := newTestStore(t)
	q := New()
	q.Insert(st, msg, 1, Out, 1, false, true, DefaultLimits())

	fake := newFakeSender()
	q.Write(fake, DefaultLimits())
	q.Update(1, Out, WaitForPuback)

	var reverted []State
	q.Timeout(time.Now().Add(time.Hour), func(mid uint16, from, to State) {
		reverted = append(reverted, to)
	})
	if len(reverted) != 1 || reverted[0] != PublishQos1 {
		t.Fatalf("expected onRevert called once with PublishQos1, got %+v", reverted)
	}

	fake2 := newFakeSender()
	if err := q.Write(fake2, DefaultLimits()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(fake2.publishes) != 1 {
		t.Fatalf("expected a resend after timeout, got %d", len(fake2.publishes))
	}
}

func TestResetKeepsInboundQoS2(t *testing.T) {
	st, msg := newTestStore(t)
	q := New()
	q.Insert(st, msg, 1, In, 2, false, true, DefaultLimits())

	q.Reset(st, DefaultLimits())
	if !q.Has(1, In) {
		t.Fatalf("in-flight qos2 inbound record must survive a reconnect reset")
	}
}

type fakePublish struct {
	mid    uint16
	topic  string
	qos    byte
	retain bool
	dup    bool
}

type fakePubrel struct {
	mid uint16
	dup bool
}

type fakeSender struct {
	publishes []fakePublish
	pubrecs   []uint16
	pubrels   []fakePubrel
	pubcomps  []uint16
}

func newFakeSender() *fakeSender { return &fakeSender{} }

func (f *fakeSender) SendPublish(mid uint16, topic string, payload []byte, qos byte, retain bool, dup bool) error {
	f.publishes = append(f.publishes, fakePublish{mid, topic, qos, retain, dup})
	return nil
}

func (f *fakeSender) SendPubrec(mid uint16) error {
	f.pubrecs = append(f.pubrecs, mid)
	return nil
}

func (f *fakeSender) SendPubrel(mid uint16, dup bool) error {
	f.pubrels = append(f.pubrels, fakePubrel{mid, dup})
	return nil
}

func (f *fakeSender) SendPubcomp(mid uint16) error {
	f.pubcomps = append(f.pubcomps, mid)
	return nil
}

var _ Sender = (*fakeSender)(nil)
