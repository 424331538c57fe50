// Package store is the broker's shared message store: a process-wide
// collection of immutable publish payloads, reference-counted across
// every delivery record and retained-message slot that points at them.
//
// Grounded on original_source/src/database.c's mqtt3_db_message_store/
// _find/store-clean sweep, generalized from the C arena-of-pointers
// into a Go doubly linked list of refcounted records.
package store

import (
	"container/list"
	"sync"
)

// Message is a single published payload, shared by identity across
// every subscriber it was fanned out to. payload and topic are
// immutable once stored; ref_count and dest_ids are the only mutable
// fields, both guarded by the owning Store's mutex.
type Message struct {
	DBID      uint64
	SourceID  string
	SourceMid uint16
	Topic     string
	Payload   []byte
	QoS       byte
	Retain    bool

	refCount int
	destIDs  []string
}

// RefCount returns the number of delivery records and retained slots
// currently pointing at this message.
func (m *Message) RefCount() int {
	return m.refCount
}

// HasRecipient reports whether clientID already appears in dest_ids.
func (m *Message) HasRecipient(clientID string) bool {
	for _, id := range m.destIDs {
		if id == clientID {
			return true
		}
	}
	return false
}

// DestIDs returns a copy of the deduplication recipient list.
func (m *Message) DestIDs() []string {
	out := make([]string, len(m.destIDs))
	copy(out, m.destIDs)
	return out
}

// Store holds every live Message, prepending new records and
// reclaiming zero-refcount ones on Clean.
type Store struct {
	mu      sync.Mutex
	records *list.List // of *Message, newest first
	lastID  uint64
	count   int
}

// New creates an empty message store.
func New() *Store {
	return &Store{records: list.New()}
}

// Store allocates and prepends a new record. storeID, when non-zero,
// is used verbatim (the persistence-restore path supplies the original
// id); otherwise the store assigns the next monotonic id. The returned
// record starts at ref_count 0 — the caller must bump it by wiring the
// record into a delivery record or a retained-message slot.
func (s *Store) Store(sourceID string, sourceMid uint16, topic string, qos byte, payload []byte, retain bool, storeID uint64) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := storeID
	if id == 0 {
		s.lastID++
		id = s.lastID
	} else if id > s.lastID {
		s.lastID = id
	}

	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	msg := &Message{
		DBID:      id,
		SourceID:  sourceID,
		SourceMid: sourceMid,
		Topic:     topic,
		Payload:   payloadCopy,
		QoS:       qos,
		Retain:    retain,
	}
	s.records.PushFront(msg)
	s.count++
	return msg
}

// Retain bumps a message's reference count. Called by the caller of
// Store once the record has been wired into a delivery record or a
// retained-message slot, and by any other code path that attaches a
// new reference to an existing Message.
func (s *Store) Retain(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.refCount++
}

// Release drops a reference. The message becomes eligible for
// reclamation by the next Clean once ref_count reaches 0.
func (s *Store) Release(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.refCount > 0 {
		m.refCount--
	}
}

// RecordRecipient appends clientID to dest_ids if not already present.
// Used only for Out-direction, non-retained deliveries when
// allow_duplicate_messages is false.
func (s *Store) RecordRecipient(m *Message, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range m.destIDs {
		if id == clientID {
			return
		}
	}
	m.destIDs = append(m.destIDs, clientID)
}

// Clean reclaims every record with ref_count==0 in a single pass.
// Idempotent, safe to call at any time since the broker's event loop
// is single-threaded per tick. Returns the number of records reclaimed.
func (s *Store) Clean() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	reclaimed := 0
	for e := s.records.Front(); e != nil; {
		next := e.Next()
		msg := e.Value.(*Message)
		if msg.refCount == 0 {
			s.records.Remove(e)
			s.count--
			reclaimed++
		}
		e = next
	}
	return reclaimed
}

// Count returns the number of records currently held, including ones
// with ref_count==0 not yet reclaimed by Clean.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
