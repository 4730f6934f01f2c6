package crdt

import (
	"errors"
	"testing"
)

// typeString inserts runes sequentially after the previous one, like a user typing.
func typeString(t *testing.T, r *TextReplica, after ElementID, s string) []ElementID {
	t.Helper()
	ids := make([]ElementID, 0, len(s))
	anchor := after
	for _, ch := range s {
		d, err := r.PrepareInsert(anchor, ch)
		if err != nil {
			t.Fatalf("prepare insert %q: %v", ch, err)
		}
		if err := r.ApplyDelta(d); err != nil {
			t.Fatalf("apply insert %q: %v", ch, err)
		}
		ids = append(ids, d.ID)
		anchor = d.ID
	}
	return ids
}

func TestTextInsertAndMaterialize(t *testing.T) {
	r := NewTextReplica("a")
	typeString(t, r, Root, "Hi")

	if got := r.String(); got != "Hi" {
		t.Fatalf("expected Hi, got %q", got)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 visible elements, got %d", r.Len())
	}
}

func TestTextPrepareValidation(t *testing.T) {
	r := NewTextReplica("a")

	_, err := r.PrepareInsert(ElementID{Replica: "ghost", Counter: 9}, 'x')
	if !errors.Is(err, ErrUnknownAnchor) {
		t.Fatalf("expected ErrUnknownAnchor, got %v", err)
	}

	_, err = r.PrepareDelete(ElementID{Replica: "ghost", Counter: 9})
	if !errors.Is(err, ErrUnknownElement) {
		t.Fatalf("expected ErrUnknownElement, got %v", err)
	}

	_, err = r.PrepareDelete(Root)
	if !errors.Is(err, ErrUnknownElement) {
		t.Fatalf("deleting the root anchor should fail, got %v", err)
	}
}

func TestTextConcurrentInsertConverges(t *testing.T) {
	a := NewTextReplica("a")
	b := NewTextReplica("b")

	typeString(t, a, Root, "Hi")
	typeString(t, b, Root, "Ho")

	if err := a.Merge(b); err != nil {
		t.Fatalf("merge b into a: %v", err)
	}
	if err := b.Merge(a); err != nil {
		t.Fatalf("merge a into b: %v", err)
	}

	if a.String() != b.String() {
		t.Fatalf("divergence: a=%q b=%q", a.String(), b.String())
	}
	// Sibling order is element-id descending, so replica b's run comes first
	// and neither run is interleaved.
	if got := a.String(); got != "HoHi" {
		t.Fatalf("expected HoHi, got %q", got)
	}
}

func TestTextDeleteWins(t *testing.T) {
	a := NewTextReplica("a")
	ids := typeString(t, a, Root, "abc")

	b := NewTextReplica("b")
	if err := b.Merge(a); err != nil {
		t.Fatalf("seed b: %v", err)
	}
	preDelete, err := b.Snapshot()
	if err != nil {
		t.Fatalf("snapshot pre-delete state: %v", err)
	}

	// a deletes "b" while b keeps editing; the tombstone must survive any
	// merge order.
	del, err := a.PrepareDelete(ids[1])
	if err != nil {
		t.Fatalf("prepare delete: %v", err)
	}
	if err := a.ApplyDelta(del); err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	typeString(t, b, ids[2], "d")

	if err := b.Merge(a); err != nil {
		t.Fatalf("merge a into b: %v", err)
	}
	if err := a.Merge(b); err != nil {
		t.Fatalf("merge b into a: %v", err)
	}

	if a.String() != b.String() {
		t.Fatalf("divergence: a=%q b=%q", a.String(), b.String())
	}
	if got := a.String(); got != "acd" {
		t.Fatalf("expected acd, got %q", got)
	}

	// Merging the pre-delete state back in must not resurrect the element.
	stale, err := RestoreText(preDelete, "c")
	if err != nil {
		t.Fatalf("restore stale state: %v", err)
	}
	if err := a.Merge(stale); err != nil {
		t.Fatalf("merge stale into a: %v", err)
	}
	if got := a.String(); got != "acd" {
		t.Fatalf("tombstone resurrected: %q", got)
	}
}

func TestTextIdempotentApply(t *testing.T) {
	r := NewTextReplica("a")
	d, err := r.PrepareInsert(Root, 'x')
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := r.ApplyDelta(d); err != nil {
			t.Fatalf("apply #%d: %v", i, err)
		}
	}
	if r.String() != "x" || r.Len() != 1 {
		t.Fatalf("duplicate apply changed state: %q", r.String())
	}

	del := TextDelete{ID: d.ID}
	for i := 0; i < 3; i++ {
		if err := r.ApplyDelta(del); err != nil {
			t.Fatalf("apply delete #%d: %v", i, err)
		}
	}
	if r.String() != "" {
		t.Fatalf("expected empty after delete, got %q", r.String())
	}
}

func TestTextOutOfOrderDelivery(t *testing.T) {
	src := NewTextReplica("a")
	ids := typeString(t, src, Root, "xy")

	// Deliver the child insert before its anchor.
	dst := NewTextReplica("b")
	childFirst := TextInsert{After: ids[0], ID: ids[1], Value: 'y'}
	if err := dst.ApplyDelta(childFirst); err != nil {
		t.Fatalf("apply orphan: %v", err)
	}
	if dst.String() != "" {
		t.Fatalf("orphan should stay invisible until its anchor arrives, got %q", dst.String())
	}

	anchor := TextInsert{After: Root, ID: ids[0], Value: 'x'}
	if err := dst.ApplyDelta(anchor); err != nil {
		t.Fatalf("apply anchor: %v", err)
	}
	if dst.String() != "xy" {
		t.Fatalf("expected xy after anchor arrived, got %q", dst.String())
	}
}

func TestTextDeleteBeforeInsert(t *testing.T) {
	r := NewTextReplica("b")
	id := ElementID{Replica: "a", Counter: 1}

	if err := r.ApplyDelta(TextDelete{ID: id}); err != nil {
		t.Fatalf("apply early delete: %v", err)
	}
	if err := r.ApplyDelta(TextInsert{After: Root, ID: id, Value: 'x'}); err != nil {
		t.Fatalf("apply late insert: %v", err)
	}
	if r.String() != "" {
		t.Fatalf("element deleted before insertion must arrive as a tombstone, got %q", r.String())
	}
}

func TestTextDeltaOrderCommutes(t *testing.T) {
	// Build a history on one replica, then deliver it to two fresh replicas
	// in opposite orders.
	src := NewTextReplica("a")
	ids := typeString(t, src, Root, "abc")
	del, err := src.PrepareDelete(ids[0])
	if err != nil {
		t.Fatalf("prepare delete: %v", err)
	}
	if err := src.ApplyDelta(del); err != nil {
		t.Fatalf("apply delete: %v", err)
	}

	deltas := []Delta{
		TextInsert{After: Root, ID: ids[0], Value: 'a'},
		TextInsert{After: ids[0], ID: ids[1], Value: 'b'},
		TextInsert{After: ids[1], ID: ids[2], Value: 'c'},
		TextDelete{ID: ids[0]},
	}

	fwd := NewTextReplica("f")
	for _, d := range deltas {
		if err := fwd.ApplyDelta(d); err != nil {
			t.Fatalf("forward apply: %v", err)
		}
	}
	rev := NewTextReplica("r")
	for i := len(deltas) - 1; i >= 0; i-- {
		if err := rev.ApplyDelta(deltas[i]); err != nil {
			t.Fatalf("reverse apply: %v", err)
		}
	}

	if fwd.String() != rev.String() || fwd.String() != src.String() {
		t.Fatalf("divergence: src=%q fwd=%q rev=%q", src.String(), fwd.String(), rev.String())
	}
}

func TestTextMergeIntoEmpty(t *testing.T) {
	src := NewTextReplica("a")
	typeString(t, src, Root, "ab")

	dst := NewTextReplica("b")
	if err := dst.Merge(src); err != nil {
		t.Fatalf("merge into empty: %v", err)
	}
	if dst.String() != "ab" {
		t.Fatalf("expected ab, got %q", dst.String())
	}

	// The merged replica must stay editable.
	typeString(t, dst, Root, "c")
	if dst.String() != "cab" {
		t.Fatalf("expected cab after local insert, got %q", dst.String())
	}
}

func TestTextSnapshotRoundTrip(t *testing.T) {
	r := NewTextReplica("a")
	ids := typeString(t, r, Root, "hello")
	del, _ := r.PrepareDelete(ids[4])
	if err := r.ApplyDelta(del); err != nil {
		t.Fatalf("apply delete: %v", err)
	}

	data, err := r.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	restored, err := RestoreText(data, "a")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.String() != r.String() {
		t.Fatalf("restore mismatch: %q vs %q", restored.String(), r.String())
	}

	// Counter continuity: new ids must not collide with restored history.
	d, err := restored.PrepareInsert(Root, 'z')
	if err != nil {
		t.Fatalf("prepare after restore: %v", err)
	}
	for _, id := range ids {
		if d.ID == id {
			t.Fatalf("id %s reused after restore", id)
		}
	}
}

func TestTextCounterAdvancesOnOwnHistory(t *testing.T) {
	// A replica replaying its own insert must move the counter past it.
	r := NewTextReplica("a")
	if err := r.ApplyDelta(TextInsert{After: Root, ID: ElementID{Replica: "a", Counter: 7}, Value: 'x'}); err != nil {
		t.Fatalf("replay own insert: %v", err)
	}
	d, err := r.PrepareInsert(Root, 'y')
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if d.ID.Counter <= 7 {
		t.Fatalf("counter must advance past replayed history, got %d", d.ID.Counter)
	}
}
