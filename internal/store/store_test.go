package store

import "testing"

func TestStoreAssignsMonotonicIDs(t *testing.T) {
	st := New()

	m1 := st.Store("pub1", 1, "a/b", 0, []byte("x"), false, 0)
	m2 := st.Store("pub1", 2, "a/c", 0, []byte("y"), false, 0)

	if m1.DBID == 0 || m2.DBID <= m1.DBID {
		t.Fatalf("expected strictly increasing ids, got %d then %d", m1.DBID, m2.DBID)
	}
}

func TestStorePreservesExplicitID(t *testing.T) {
	st := New()

	m := st.Store("pub1", 1, "a/b", 0, []byte("x"), false, 42)
	if m.DBID != 42 {
		t.Fatalf("expected the caller-supplied id to be preserved, got %d", m.DBID)
	}

	// The next auto-assigned id must continue past the restored one.
	next := st.Store("pub1", 2, "a/c", 0, []byte("y"), false, 0)
	if next.DBID <= 42 {
		t.Fatalf("expected the next auto id to exceed a restored id, got %d", next.DBID)
	}
}

func TestRefCountAndClean(t *testing.T) {
	st := New()
	m := st.Store("pub1", 1, "a/b", 0, []byte("x"), false, 0)

	st.Retain(m)
	st.Retain(m)
	if m.RefCount() != 2 {
		t.Fatalf("expected refcount 2, got %d", m.RefCount())
	}

	if n := st.Clean(); n != 0 {
		t.Fatalf("expected nothing reclaimed while refcount > 0, got %d", n)
	}

	st.Release(m)
	st.Release(m)
	if m.RefCount() != 0 {
		t.Fatalf("expected refcount 0, got %d", m.RefCount())
	}

	if n := st.Clean(); n != 1 {
		t.Fatalf("expected 1 record reclaimed, got %d", n)
	}
	if st.Count() != 0 {
		t.Fatalf("expected store empty after clean, got %d", st.Count())
	}
}

func TestReleaseBelowZeroIsNoop(t *testing.T) {
	st := New()
	m := st.Store("pub1", 1, "a/b", 0, []byte("x"), false, 0)

	st.Release(m)
	if m.RefCount() != 0 {
		t.Fatalf("expected refcount to stay at 0, got %d", m.RefCount())
	}
}

func TestRecordRecipientDedups(t *testing.T) {
	st := New()
	m := st.Store("pub1", 1, "a/b", 0, []byte("x"), false, 0)

	st.RecordRecipient(m, "c1")
	st.RecordRecipient(m, "c1")
	st.RecordRecipient(m, "c2")

	if !m.HasRecipient("c1") || !m.HasRecipient("c2") {
		t.Fatalf("expected both recipients recorded")
	}
	if len(m.DestIDs()) != 2 {
		t.Fatalf("expected no duplicate recipient entries, got %v", m.DestIDs())
	}
}

func TestPayloadIsCopiedNotAliased(t *testing.T) {
	st := New()
	payload := []byte("original")
	m := st.Store("pub1", 1, "a/b", 0, payload, false, 0)

	payload[0] = 'X'
	if m.Payload[0] != 'o' {
		t.Fatalf("expected the stored payload to be independent of the caller's slice")
	}
}
