package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/docmesh/docmesh/pkg/crdt"
	"github.com/docmesh/docmesh/pkg/store"
)

// staticPeers is a slice-backed PeerSource for tests.
type staticPeers struct {
	mu   sync.Mutex
	urls map[string]bool
	self string
}

func newStaticPeers(self string, urls ...string) *staticPeers {
	p := &staticPeers{urls: make(map[string]bool), self: self}
	for _, url := range urls {
		p.urls[url] = true
	}
	return p
}

func (p *staticPeers) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.urls))
	for url := range p.urls {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}

func (p *staticPeers) AddPeer(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if url == "" || url == p.self || p.urls[url] {
		return false
	}
	p.urls[url] = true
	return true
}

// memoryTransport routes sync traffic between in-process engines by URL.
type memoryTransport struct {
	mu    sync.Mutex
	nodes map[string]*Engine
}

func newMemoryTransport() *memoryTransport {
	return &memoryTransport{nodes: make(map[string]*Engine)}
}

func (m *memoryTransport) register(url string, e *Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[url] = e
}

func (m *memoryTransport) engine(url string) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.nodes[url]
	if !ok {
		return nil, fmt.Errorf("no route to %s", url)
	}
	return e, nil
}

func (m *memoryTransport) FetchEntries(ctx context.Context, peerURL, docID string, after uint64, limit int) ([]store.Entry, error) {
	e, err := m.engine(peerURL)
	if err != nil {
		return nil, err
	}
	return e.Log().EntriesSince(docID, after, limit)
}

func (m *memoryTransport) PushEntries(ctx context.Context, peerURL, origin, docID string, kind crdt.DocKind, entries []store.Entry) error {
	e, err := m.engine(peerURL)
	if err != nil {
		return err
	}
	_, _, err = e.ReceiveEntries(origin, docID, kind, entries)
	return err
}

func (m *memoryTransport) FetchDocs(ctx context.Context, peerURL string) ([]store.DocInfo, error) {
	e, err := m.engine(peerURL)
	if err != nil {
		return nil, err
	}
	return e.Log().Docs()
}

func (m *memoryTransport) FetchPeers(ctx context.Context, peerURL string) ([]string, error) {
	e, err := m.engine(peerURL)
	if err != nil {
		return nil, err
	}
	return e.Peers(), nil
}

func (m *memoryTransport) Announce(ctx context.Context, peerURL, selfURL string, known []string) error {
	e, err := m.engine(peerURL)
	if err != nil {
		return err
	}
	e.peers.AddPeer(selfURL)
	for _, url := range known {
		e.peers.AddPeer(url)
	}
	return nil
}

func newTestEngine(t *testing.T, transport Transport, peers PeerSource, nodeID, baseURL string) *Engine {
	s, err := store.NewBadgerStore("", store.WithInMemory())
	if err != nil {
		t.Fatalf("create store failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	e, err := NewEngine(s, peers, transport, Config{NodeID: nodeID, BaseURL: baseURL})
	if err != nil {
		t.Fatalf("create engine failed: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

// newMeshPair wires two engines that know each other through one transport.
func newMeshPair(t *testing.T) (*Engine, *Engine, *memoryTransport) {
	transport := newMemoryTransport()
	a := newTestEngine(t, transport, newStaticPeers("mem://a", "mem://b"), "node-a", "mem://a")
	b := newTestEngine(t, transport, newStaticPeers("mem://b", "mem://a"), "node-b", "mem://b")
	transport.register("mem://a", a)
	transport.register("mem://b", b)
	return a, b, transport
}

func mustCreateDoc(t *testing.T, e *Engine, docID string, kind crdt.DocKind) *Coordinator {
	t.Helper()
	coord, err := e.CreateDoc(docID, kind)
	if err != nil {
		t.Fatalf("create doc failed: %v", err)
	}
	return coord
}

func mustInsertText(t *testing.T, coord *Coordinator, text string) {
	t.Helper()
	anchor := crdt.Root
	for _, r := range text {
		delta, _, err := coord.InsertText(anchor, r)
		if err != nil {
			t.Fatalf("insert %q failed: %v", r, err)
		}
		anchor = delta.ID
	}
}
