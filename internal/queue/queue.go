package queue

import (
	"container/list"
	"sync"
	"time"

	"github.com/mqttcore/broker/internal/er"
	"github.com/mqttcore/broker/internal/store"
)

// Record is a single in-flight or queued delivery, owned exclusively by
// one client's Queue. mid is the packet id used on this hop — it may
// differ from Store.SourceMid, the originator's own packet id.
type Record struct {
	Store     *store.Message
	Mid       uint16
	Direction Direction
	QoS       byte
	State     State
	Timestamp time.Time
	Dup       bool
	Retain    bool
}

// Sender is the wire-I/O collaborator the state machine drives. Each
// method returns the error the transport layer produced, or nil; a
// non-nil return halts the write loop at the offending record without
// advancing its state, so the next write opportunity retries.
type Sender interface {
	SendPublish(mid uint16, topic string, payload []byte, qos byte, retain bool, dup bool) error
	SendPubrec(mid uint16) error
	SendPubrel(mid uint16, dup bool) error
	SendPubcomp(mid uint16) error
}

// Queue is one client's ordered Delivery Record FIFO.
type Queue struct {
	mu      sync.Mutex
	records *list.List // of *Record, oldest (head) first
}

// New creates an empty per-client delivery queue.
func New() *Queue {
	return &Queue{records: list.New()}
}

// Len returns the number of records currently held, in any state.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.records.Len()
}

// msgCount mirrors the original's single admission counter: the number
// of records (any state, any direction) with qos>0. It gates both the
// inflight cap and the queued-backlog cap. Must be called with mu held.
func (q *Queue) msgCount() int {
	n := 0
	for e := q.records.Front(); e != nil; e = e.Next() {
		if e.Value.(*Record).QoS > 0 {
			n++
		}
	}
	return n
}

// Insert runs the admission policy for a new delivery and, if accepted,
// appends a Record to the tail of the FIFO. connected is the client's
// current socket state. Insert takes no duplicate-suppression or
// QoS 0 queueing knob: a QoS 0 delivery to a disconnected client is
// always dropped. On acceptance the caller is responsible for recording
// the recipient via store.RecordRecipient when appropriate — Insert
// itself only decides admission and bumps the store refcount.
func (q *Queue) Insert(st *store.Store, msg *store.Message, mid uint16, dir Direction, qos byte, retain bool, connected bool, limits Limits) er.Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := q.msgCount()

	var state State
	dropped := false
	var reason er.DropReason

	if connected {
		switch {
		case qos == 0 || limits.MaxInflight == 0 || count < limits.MaxInflight:
			if dir == Out {
				switch qos {
				case 0:
					state = PublishQos0
				case 1:
					state = PublishQos1
				case 2:
					state = PublishQos2
				}
			} else {
				if qos != 2 {
					return er.Invalid(nil)
				}
				state = WaitForPubrel
			}
		case limits.MaxQueued == 0 || count-limits.MaxInflight < limits.MaxQueued:
			state = Queued
		default:
			dropped = true
			reason = er.DroppedQueueFull
		}
	} else {
		if qos == 0 {
			dropped = true
			reason = er.DroppedQoS0Disconnected
		} else if limits.MaxQueued > 0 && count >= limits.MaxQueued {
			dropped = true
			reason = er.DroppedQueueFull
		} else {
			state = Queued
		}
	}

	if dropped {
		return er.Dropped(reason)
	}

	rec := &Record{
		Store:     msg,
		Mid:       mid,
		Direction: dir,
		QoS:       qos,
		State:     state,
		Timestamp: time.Now(),
		Dup:       false,
		Retain:    retain,
	}
	q.records.PushBack(rec)
	st.Retain(msg)

	if state == Queued {
		return er.Queued()
	}
	return er.OK
}

// find locates the element matching mid+dir. Must be called with mu held.
func (q *Queue) find(mid uint16, dir Direction) *list.Element {
	for e := q.records.Front(); e != nil; e = e.Next() {
		r := e.Value.(*Record)
		if r.Mid == mid && r.Direction == dir {
			return e
		}
	}
	return nil
}

// Has reports whether a record matching mid+dir is currently held —
// used to recognize a retransmitted QoS 2 PUBLISH (DUP set, same
// packet id) that already has an inbound record awaiting PUBREL, so
// the transport layer can resend PUBREC without inserting a duplicate.
func (q *Queue) Has(mid uint16, dir Direction) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.find(mid, dir) != nil
}

// Update sets a record's state and refreshes its timestamp.
func (q *Queue) Update(mid uint16, dir Direction, newState State) er.Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.find(mid, dir)
	if e == nil {
		return er.NotFound()
	}
	r := e.Value.(*Record)
	r.State = newState
	r.Timestamp = time.Now()
	return er.OK
}

// pumpQueue promotes leading Queued records to their active publish
// state — Out records to PublishQos{qos}, In QoS2 records to
// SendPubrec — until the number of non-Queued qos>0 records reaches
// limits.MaxInflight. Mirrors the promotion loop duplicated across
// message_delete, message_release and message_reconnect_reset in the
// original. Must be called with mu held.
func (q *Queue) pumpQueue(limits Limits) {
	count := 0
	for e := q.records.Front(); e != nil; e = e.Next() {
		if r := e.Value.(*Record); r.State != Queued && r.QoS > 0 {
			count++
		}
	}
	for e := q.records.Front(); e != nil; e = e.Next() {
		if limits.MaxInflight != 0 && count >= limits.MaxInflight {
			return
		}
		r := e.Value.(*Record)
		if r.State != Queued {
			continue
		}
		if r.Direction == Out {
			switch r.QoS {
			case 0:
				r.State = PublishQos0
			case 1:
				r.State = PublishQos1
			case 2:
				r.State = PublishQos2
			}
			r.Timestamp = time.Now()
		} else if r.QoS == 2 {
			r.State = SendPubrec
			r.Timestamp = time.Now()
		} else {
			continue
		}
		if r.QoS > 0 {
			count++
		}
	}
}

// Delete removes the record matching mid+dir, releases its store
// reference, and pumps the queue to fill the slot it freed. Idempotent:
// a missing record is reported as success, matching the original's
// not-found-is-fine delete semantics.
func (q *Queue) Delete(st *store.Store, mid uint16, dir Direction, limits Limits) er.Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.find(mid, dir)
	if e != nil {
		r := e.Value.(*Record)
		st.Release(r.Store)
		q.records.Remove(e)
	}
	q.pumpQueue(limits)
	return er.OK
}

// Release completes a PUBREL handshake: it locates the client's In
// record for mid, returns the stored message for the caller to fan out
// (message_release's re-publish happens one layer up, in the broker
// facade, since it needs the subscription tree). Release does not remove
// the record; the caller does that via Delete once the fan-out ran. Returns
// found=false if no such record exists (PUBREL for an unknown mid is
// still acked by the caller to stop the peer retrying).
func (q *Queue) Release(mid uint16) (msg *store.Message, found bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.find(mid, In)
	if e == nil {
		return nil, false
	}
	return e.Value.(*Record).Store, true
}

// FindBySourceMid scans the client's inbound records for one whose
// underlying stored message's SourceMid matches mid — resolving a
// PUBREL back to the payload the broker is about to fan out.
func (q *Queue) FindBySourceMid(mid uint16) *store.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.records.Front(); e != nil; e = e.Next() {
		r := e.Value.(*Record)
		if r.Direction == In && r.Store != nil && r.Store.SourceMid == mid {
			return r.Store
		}
	}
	return nil
}

// Clear drops every record on client teardown, releasing each store
// reference. Used by messages_delete.
func (q *Queue) Clear(st *store.Store) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.records.Front(); e != nil; {
		next := e.Next()
		r := e.Value.(*Record)
		st.Release(r.Store)
		q.records.Remove(e)
		e = next
	}
}

// Write drains the FIFO while the client socket is writable. For each
// non-Queued record it emits the wire packet dictated by State and
// advances per the table in message_write, stopping at (and not
// advancing past) the first record whose send fails so the next call
// retries it. Queued Out records are left untouched here — they are
// only promoted by Delete and Reset — but a Queued In QoS2
// record is promoted to SendPubrec in place, as long as room remains
// under MaxInflight.
func (q *Queue) Write(sender Sender, limits Limits) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := q.msgCount()
	var toRemove []*list.Element

	for e := q.records.Front(); e != nil; e = e.Next() {
		r := e.Value.(*Record)

		if r.State == Queued {
			if r.Direction == In && r.QoS == 2 && (limits.MaxInflight == 0 || count < limits.MaxInflight) {
				r.State = SendPubrec
				r.Timestamp = time.Now()
				if r.QoS > 0 {
					count++
				}
			} else {
				continue
			}
		}

		switch r.State {
		case PublishQos0:
			if err := sender.SendPublish(r.Mid, r.Store.Topic, r.Store.Payload, 0, r.Retain, r.Dup); err != nil {
				return err
			}
			toRemove = append(toRemove, e)

		case PublishQos1:
			r.Dup = true
			r.Timestamp = time.Now()
			if err := sender.SendPublish(r.Mid, r.Store.Topic, r.Store.Payload, 1, r.Retain, r.Dup); err != nil {
				return err
			}
			r.State = WaitForPuback

		case PublishQos2:
			r.Dup = true
			r.Timestamp = time.Now()
			if err := sender.SendPublish(r.Mid, r.Store.Topic, r.Store.Payload, 2, r.Retain, r.Dup); err != nil {
				return err
			}
			r.State = WaitForPubrec

		case SendPubrec:
			if err := sender.SendPubrec(r.Mid); err != nil {
				return err
			}
			r.State = WaitForPubrel
			r.Timestamp = time.Now()

		case ResendPubrel:
			// The original hardcodes dup=true on a resent PUBREL
			// regardless of the record's own dup field.
			if err := sender.SendPubrel(r.Mid, true); err != nil {
				return err
			}
			r.State = WaitForPubcomp
			r.Timestamp = time.Now()

		case ResendPubcomp:
			if err := sender.SendPubcomp(r.Mid); err != nil {
				return err
			}
			toRemove = append(toRemove, e)
		}
	}

	for _, e := range toRemove {
		q.records.Remove(e)
	}
	return nil
}

// Timeout reverts any record whose Timestamp is older than deadline and
// whose State is in the peer-waiting set to its re-send predecessor,
// with Timestamp reset to now and Dup set true. Queued records are
// skipped; they carry no timer. onRevert, if non-nil, is called with
// each record's mid and its state transition, for the caller to log.
func (q *Queue) Timeout(deadline time.Time, onRevert func(mid uint16, from, to State)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for e := q.records.Front(); e != nil; e = e.Next() {
		r := e.Value.(*Record)
		if !r.State.waiting() || r.Timestamp.After(deadline) {
			continue
		}
		from := r.State
		switch r.State {
		case WaitForPuback:
			r.State = PublishQos1
		case WaitForPubrec:
			r.State = PublishQos2
		case WaitForPubrel:
			r.State = SendPubrec
		case WaitForPubcomp:
			r.State = ResendPubrel
		}
		r.Timestamp = now
		r.Dup = true
		if onRevert != nil {
			onRevert(r.Mid, from, r.State)
		}
	}
}

// Reset normalizes the queue on a clean_session=false reconnect. Out
// records snap to their publish state (WaitForPubcomp snaps to
// ResendPubrel instead, since the peer may already have our PUBLISH and
// restarting from PUBREL preserves idempotence). In records with qos<2
// are dropped outright — the peer will resend from scratch safely — In
// QoS2 records are left exactly as they were, since broker and peer
// must agree on handshake progress. A final pass promotes leading
// Queued records up to MaxInflight.
func (q *Queue) Reset(st *store.Store, limits Limits) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for e := q.records.Front(); e != nil; {
		next := e.Next()
		r := e.Value.(*Record)

		if r.Direction == Out {
			if r.State != Queued {
				if r.State == WaitForPubcomp {
					r.State = ResendPubrel
				} else {
					switch r.QoS {
					case 0:
						r.State = PublishQos0
					case 1:
						r.State = PublishQos1
					case 2:
						r.State = PublishQos2
					}
				}
				r.Timestamp = time.Now()
			}
		} else {
			if r.QoS < 2 {
				st.Release(r.Store)
				q.records.Remove(e)
			}
		}
		e = next
	}

	q.pumpQueue(limits)
}
