package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/docmesh/docmesh/pkg/crdt"
	"github.com/docmesh/docmesh/pkg/store"
)

func TestEngine_RequiresNodeID(t *testing.T) {
	s, err := store.NewBadgerStore("", store.WithInMemory())
	if err != nil {
		t.Fatalf("create store failed: %v", err)
	}
	defer s.Close()

	if _, err := NewEngine(s, nil, nil, Config{}); err == nil {
		t.Fatal("expected error for empty node ID")
	}
}

func TestEngine_CreateDocValidates(t *testing.T) {
	e := newTestEngine(t, nil, nil, "node-a", "")

	if _, err := e.CreateDoc("a/b", crdt.DocText); !errors.Is(err, ErrInvalidDocID) {
		t.Errorf("expected ErrInvalidDocID, got %v", err)
	}
	if _, err := e.CreateDoc("notes", crdt.DocKind("graph")); !errors.Is(err, crdt.ErrUnknownDocKind) {
		t.Errorf("expected ErrUnknownDocKind, got %v", err)
	}

	first := mustCreateDoc(t, e, "notes", crdt.DocText)
	second := mustCreateDoc(t, e, "notes", crdt.DocText)
	if first != second {
		t.Error("repeated CreateDoc should return the same coordinator")
	}

	if _, err := e.CreateDoc("notes", crdt.DocRecord); !errors.Is(err, store.ErrKindConflict) {
		t.Errorf("expected ErrKindConflict, got %v", err)
	}
}

func TestEngine_DocLookup(t *testing.T) {
	e := newTestEngine(t, nil, nil, "node-a", "")
	mustCreateDoc(t, e, "notes", crdt.DocText)

	if _, err := e.Doc("notes"); err != nil {
		t.Errorf("Doc() failed: %v", err)
	}
	if _, err := e.Doc("ghost"); !errors.Is(err, store.ErrUnknownDocument) {
		t.Errorf("expected ErrUnknownDocument, got %v", err)
	}

	docs := e.Docs()
	if len(docs) != 1 || docs[0].DocID != "notes" {
		t.Fatalf("got docs %v, want single notes", docs)
	}
}

func TestEngine_RestoreAcrossReopen(t *testing.T) {
	dir := t.TempDir() + "/db"

	s1, err := store.NewBadgerStore(dir)
	if err != nil {
		t.Fatalf("create store failed: %v", err)
	}
	e1, err := NewEngine(s1, nil, nil, Config{NodeID: "node-a"})
	if err != nil {
		t.Fatalf("create engine failed: %v", err)
	}
	coord := mustCreateDoc(t, e1, "notes", crdt.DocText)
	mustInsertText(t, coord, "hey")
	e1.Stop()
	if err := s1.Close(); err != nil {
		t.Fatalf("close store failed: %v", err)
	}

	s2, err := store.NewBadgerStore(dir)
	if err != nil {
		t.Fatalf("reopen store failed: %v", err)
	}
	defer s2.Close()
	e2, err := NewEngine(s2, nil, nil, Config{NodeID: "node-a"})
	if err != nil {
		t.Fatalf("recreate engine failed: %v", err)
	}
	defer e2.Stop()

	restored, err := e2.Doc("notes")
	if err != nil {
		t.Fatalf("document not restored: %v", err)
	}
	if got := restored.Content(); got != "hey" {
		t.Errorf("got restored content %q, want hey", got)
	}
	if got := restored.LocalSeq(); got != 3 {
		t.Errorf("got restored local seq %d, want 3", got)
	}

	// 重启后的新编辑不得复用已有元素 ID
	delta, _, err := restored.InsertText(crdt.Root, '!')
	if err != nil {
		t.Fatalf("insert after restore failed: %v", err)
	}
	if delta.ID.Counter != 4 {
		t.Errorf("got counter %d after restore, want 4", delta.ID.Counter)
	}
	if got := restored.Content(); got != "!hey" {
		t.Errorf("got content %q, want !hey", got)
	}
}

func TestEngine_ReplaysLogWithoutSnapshot(t *testing.T) {
	dir := t.TempDir() + "/db"

	s1, err := store.NewBadgerStore(dir)
	if err != nil {
		t.Fatalf("create store failed: %v", err)
	}
	logs := store.NewDeltaLog(s1)
	if _, err := logs.EnsureDoc("notes", crdt.DocText); err != nil {
		t.Fatalf("EnsureDoc() failed: %v", err)
	}

	// 只写日志不写快照，模拟快照落盘前崩溃
	first := crdt.TextInsert{After: crdt.Root, ID: crdt.ElementID{Replica: "node-a", Counter: 1}, Value: 'h'}
	second := crdt.TextInsert{After: first.ID, ID: crdt.ElementID{Replica: "node-a", Counter: 2}, Value: 'i'}
	for _, delta := range []crdt.Delta{first, second} {
		raw, err := crdt.EncodeDelta(delta)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if _, err := logs.Append("notes", raw); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close store failed: %v", err)
	}

	s2, err := store.NewBadgerStore(dir)
	if err != nil {
		t.Fatalf("reopen store failed: %v", err)
	}
	defer s2.Close()
	e, err := NewEngine(s2, nil, nil, Config{NodeID: "node-a"})
	if err != nil {
		t.Fatalf("create engine failed: %v", err)
	}
	defer e.Stop()

	coord, err := e.Doc("notes")
	if err != nil {
		t.Fatalf("document not restored: %v", err)
	}
	if got := coord.Content(); got != "hi" {
		t.Errorf("got replayed content %q, want hi", got)
	}

	// 回放自己的历史后，计数器继续向前
	delta, _, err := coord.InsertText(second.ID, '!')
	if err != nil {
		t.Fatalf("insert after replay failed: %v", err)
	}
	if delta.ID.Counter != 3 {
		t.Errorf("got counter %d, want 3", delta.ID.Counter)
	}
	if got := coord.Content(); got != "hi!" {
		t.Errorf("got content %q, want hi!", got)
	}
}

func TestEngine_TwoNodeConverge(t *testing.T) {
	a, b, _ := newMeshPair(t)
	aCoord := mustCreateDoc(t, a, "notes", crdt.DocText)
	bCoord := mustCreateDoc(t, b, "notes", crdt.DocText)

	mustInsertText(t, aCoord, "Hi")
	mustInsertText(t, bCoord, "Ho")

	ctx := context.Background()
	a.SyncAll(ctx)
	b.SyncAll(ctx)
	a.SyncAll(ctx)

	gotA := aCoord.Content()
	gotB := bCoord.Content()
	if gotA != gotB {
		t.Fatalf("replicas diverged: a=%q b=%q", gotA, gotB)
	}
	// 并发串按副本 ID 降序排列，node-b 的串排在前面
	if gotA != "HoHi" {
		t.Errorf("got %q, want HoHi", gotA)
	}
}

func TestEngine_RecordDocConverges(t *testing.T) {
	a, b, _ := newMeshPair(t)
	aCoord := mustCreateDoc(t, a, "profile", crdt.DocRecord)
	bCoord := mustCreateDoc(t, b, "profile", crdt.DocRecord)

	if _, err := aCoord.SetField("name", "alpha"); err != nil {
		t.Fatalf("SetField failed: %v", err)
	}
	if _, err := bCoord.SetField("role", "editor"); err != nil {
		t.Fatalf("SetField failed: %v", err)
	}

	ctx := context.Background()
	a.SyncAll(ctx)
	b.SyncAll(ctx)
	a.SyncAll(ctx)

	wantFields := map[string]any{"name": "alpha", "role": "editor"}
	for name, coord := range map[string]*Coordinator{"a": aCoord, "b": bCoord} {
		got, ok := coord.Content().(map[string]any)
		if !ok {
			t.Fatalf("replica %s content is %T, want map", name, coord.Content())
		}
		if len(got) != len(wantFields) {
			t.Fatalf("replica %s got %v, want %v", name, got, wantFields)
		}
		for field, want := range wantFields {
			if got[field] != want {
				t.Errorf("replica %s field %s = %v, want %v", name, field, got[field], want)
			}
		}
	}
}

func TestEngine_DiscoverAndAdoptRemoteDoc(t *testing.T) {
	a, b, _ := newMeshPair(t)
	aCoord := mustCreateDoc(t, a, "shared", crdt.DocText)
	mustInsertText(t, aCoord, "Hi")

	b.SyncAll(context.Background())

	bCoord, err := b.Doc("shared")
	if err != nil {
		t.Fatalf("remote doc not adopted: %v", err)
	}
	if got := bCoord.Content(); got != "Hi" {
		t.Errorf("got adopted content %q, want Hi", got)
	}
}

func TestEngine_AnnounceGossip(t *testing.T) {
	transport := newMemoryTransport()
	a := newTestEngine(t, transport, newStaticPeers("mem://a", "mem://b"), "node-a", "mem://a")
	b := newTestEngine(t, transport, newStaticPeers("mem://b"), "node-b", "mem://b")
	c := newTestEngine(t, transport, newStaticPeers("mem://c", "mem://b"), "node-c", "mem://c")
	transport.register("mem://a", a)
	transport.register("mem://b", b)
	transport.register("mem://c", c)

	ctx := context.Background()

	// c 向 b 宣告自己，b 学到 c
	c.announceAll(ctx)
	foundC := false
	for _, url := range b.Peers() {
		if url == "mem://c" {
			foundC = true
		}
	}
	if !foundC {
		t.Fatalf("b should know mem://c after announce, got %v", b.Peers())
	}

	// a 宣告后从 b 的列表里闲话学到 c
	a.announceAll(ctx)
	foundC = false
	for _, url := range a.Peers() {
		if url == "mem://c" {
			foundC = true
		}
	}
	if !foundC {
		t.Errorf("a should learn mem://c via gossip, got %v", a.Peers())
	}
}

func TestEngine_ChangeFeed(t *testing.T) {
	a, b, _ := newMeshPair(t)
	aCoord := mustCreateDoc(t, a, "notes", crdt.DocText)

	if _, _, err := aCoord.InsertText(crdt.Root, 'x'); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	select {
	case ev := <-a.Changes():
		if ev.DocID != "notes" || ev.Origin != "local" || ev.Seq != 1 {
			t.Errorf("got event %+v, want local notes seq 1", ev)
		}
	default:
		t.Fatal("expected a change event after local edit")
	}

	a.SyncAll(context.Background())

	// b 侧收到推送后产生远端来源的事件
	foundRemote := false
	for i := 0; i < 4; i++ {
		select {
		case ev := <-b.Changes():
			if ev.DocID == "notes" && ev.Origin == "mem://a" {
				foundRemote = true
			}
		default:
		}
	}
	if !foundRemote {
		t.Error("expected a change event on b with origin mem://a")
	}

	stats := a.Stats()
	if stats.ChangeEnqueued == 0 {
		t.Error("expected non-zero enqueued count")
	}
}

func TestEngine_StatsCountCycles(t *testing.T) {
	e := newTestEngine(t, nil, nil, "node-a", "")
	mustCreateDoc(t, e, "notes", crdt.DocText)

	if _, err := e.SyncDoc(context.Background(), "notes"); err != nil {
		t.Fatalf("SyncDoc() failed: %v", err)
	}
	if got := e.Stats().CyclesRun; got != 1 {
		t.Errorf("got %d cycles, want 1", got)
	}
}

func TestEngine_ClosedRejectsWork(t *testing.T) {
	e := newTestEngine(t, nil, nil, "node-a", "")
	mustCreateDoc(t, e, "notes", crdt.DocText)
	e.Stop()

	if _, err := e.CreateDoc("other", crdt.DocText); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from CreateDoc, got %v", err)
	}
	if _, err := e.SyncDoc(context.Background(), "notes"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from SyncDoc, got %v", err)
	}
}
