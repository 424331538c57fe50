package broker

import (
	"testing"

	"github.com/mqttcore/broker/internal/store"
)

func TestSubscribeMatchPlainTopic(t *testing.T) {
	st := store.New()
	tree := NewSubscriptionTree(st)

	tree.Subscribe("c1", "a/b", 1)

	subs := tree.Match("a/b")
	if len(subs) != 1 || subs[0].ClientID != "c1" {
		t.Fatalf("expected c1 to match a/b, got %+v", subs)
	}
	if len(tree.Match("a/c")) != 0 {
		t.Fatalf("expected no match on a different topic")
	}
}

func TestMatchPlusWildcard(t *testing.T) {
	st := store.New()
	tree := NewSubscriptionTree(st)

	tree.Subscribe("c1", "a/+/c", 0)

	if len(tree.Match("a/x/c")) != 1 {
		t.Fatalf("expected + to match one level")
	}
	if len(tree.Match("a/x/y/c")) != 0 {
		t.Fatalf("+ must not match multiple levels")
	}
}

func TestMatchHashWildcard(t *testing.T) {
	st := store.New()
	tree := NewSubscriptionTree(st)

	tree.Subscribe("c1", "a/#", 0)

	if len(tree.Match("a/b/c/d")) != 1 {
		t.Fatalf("expected # to match arbitrary depth")
	}
	if len(tree.Match("a")) != 1 {
		t.Fatalf("expected # to also match its own parent level")
	}
}

func TestDollarTopicExcludedFromBareWildcards(t *testing.T) {
	st := store.New()
	tree := NewSubscriptionTree(st)

	tree.Subscribe("c1", "#", 0)
	tree.Subscribe("c2", "+/status", 0)

	if len(tree.Match("$SYS/broker/uptime")) != 0 {
		t.Fatalf("bare # must not match a $SYS topic")
	}
	if len(tree.Match("$SYS/status")) != 0 {
		t.Fatalf("bare + must not match a $SYS top-level topic")
	}

	tree.Subscribe("c3", "$SYS/broker/uptime", 0)
	if len(tree.Match("$SYS/broker/uptime")) != 1 {
		t.Fatalf("an explicit $SYS subscription must still match")
	}
}

func TestMatchGrantsHighestQoS(t *testing.T) {
	st := store.New()
	tree := NewSubscriptionTree(st)

	tree.Subscribe("c1", "a/#", 0)
	tree.Subscribe("c1", "a/b", 2)

	subs := tree.Match("a/b")
	if len(subs) != 1 || subs[0].QoS != 2 {
		t.Fatalf("expected the higher of two overlapping grants, got %+v", subs)
	}
}

func TestUnsubscribePrunesEmptyNodes(t *testing.T) {
	st := store.New()
	tree := NewSubscriptionTree(st)

	tree.Subscribe("c1", "a/b/c", 0)
	tree.Unsubscribe("c1", "a/b/c")

	if len(tree.Match("a/b/c")) != 0 {
		t.Fatalf("expected no match after unsubscribe")
	}
	if len(tree.GetSubscriptions("c1")) != 0 {
		t.Fatalf("expected c1's filter set to be empty")
	}

	// Every intermediate node ("a", then "a"'s child "b") must also be
	// pruned, not just the terminal node holding the subscription —
	// otherwise empty ancestors accumulate in the trie forever.
	if _, ok := tree.root.children["a"]; ok {
		t.Fatalf("expected the whole a/b/c chain to be pruned, but \"a\" is still attached")
	}
}

func TestUnsubscribePrunePreservesPreCreatedRoots(t *testing.T) {
	st := store.New()
	tree := NewSubscriptionTree(st)

	tree.Subscribe("c1", "$SYS/broker/uptime", 0)
	tree.Unsubscribe("c1", "$SYS/broker/uptime")

	sysNode, ok := tree.root.children["$SYS"]
	if !ok {
		t.Fatalf("expected the pre-created $SYS root to survive pruning")
	}
	if len(sysNode.children) != 0 {
		t.Fatalf("expected $SYS's emptied descendants to be pruned, got %+v", sysNode.children)
	}
}

func TestUnsubscribeAllRemovesEveryFilter(t *testing.T) {
	st := store.New()
	tree := NewSubscriptionTree(st)

	tree.Subscribe("c1", "a/b", 0)
	tree.Subscribe("c1", "x/y", 1)
	tree.UnsubscribeAll("c1")

	if len(tree.Match("a/b")) != 0 || len(tree.Match("x/y")) != 0 {
		t.Fatalf("expected every filter removed")
	}
}

func TestRetainedMatchOnSubscribe(t *testing.T) {
	st := store.New()
	tree := NewSubscriptionTree(st)

	msg := st.Store("pub1", 0, "a/b", 1, []byte("hello"), true, 0)
	tree.SetRetained("a/b", msg)

	retained := tree.Subscribe("c1", "a/+", 1)
	if len(retained) != 1 || retained[0].Topic != "a/b" {
		t.Fatalf("expected the retained message under a/b, got %+v", retained)
	}
}

func TestSetRetainedClearReleasesReference(t *testing.T) {
	st := store.New()
	tree := NewSubscriptionTree(st)

	msg := st.Store("pub1", 0, "a/b", 1, []byte("hello"), true, 0)
	tree.SetRetained("a/b", msg)
	if msg.RefCount() != 1 {
		t.Fatalf("expected refcount 1 after retaining, got %d", msg.RefCount())
	}

	tree.SetRetained("a/b", nil)
	if msg.RefCount() != 0 {
		t.Fatalf("expected refcount 0 after clearing, got %d", msg.RefCount())
	}
}

func TestAllRetainedCollectsEveryTopic(t *testing.T) {
	st := store.New()
	tree := NewSubscriptionTree(st)

	tree.SetRetained("a/b", st.Store("p1", 0, "a/b", 0, []byte("1"), true, 0))
	tree.SetRetained("c/d", st.Store("p1", 0, "c/d", 0, []byte("2"), true, 0))

	all := tree.AllRetained()
	if len(all) != 2 {
		t.Fatalf("expected 2 retained messages, got %d", len(all))
	}
}

func TestValidateFilter(t *testing.T) {
	cases := map[string]bool{
		"a/b/c":   true,
		"a/+/c":   true,
		"a/#":     true,
		"":        false,
		"a/b+/c":  false,
		"a/#/c":   false,
		"+":       true,
		"#":       true,
	}
	for filter, want := range cases {
		if got := ValidateFilter(filter); got != want {
			t.Errorf("ValidateFilter(%q) = %v, want %v", filter, got, want)
		}
	}
}
