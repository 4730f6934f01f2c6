package sync

import (
	"context"
	"fmt"

	"github.com/docmesh/docmesh/pkg/crdt"
	"github.com/docmesh/docmesh/pkg/store"
)

// ErrNoTransport indicates there is no registered mesh transport.
var ErrNoTransport = fmt.Errorf("no mesh transport registered")

// Transport abstracts the HTTP mesh boundary for sync traffic.
type Transport interface {
	// FetchEntries pulls entries of one document from a peer, seq > after.
	FetchEntries(ctx context.Context, peerURL, docID string, after uint64, limit int) ([]store.Entry, error)

	// PushEntries delivers local entries of one document to a peer.
	// origin is this node's base URL so the receiver can advance its pull
	// cursor; kind lets a receiver adopt a document it has not seen yet.
	PushEntries(ctx context.Context, peerURL, origin, docID string, kind crdt.DocKind, entries []store.Entry) error

	// FetchDocs lists the documents a peer is serving.
	FetchDocs(ctx context.Context, peerURL string) ([]store.DocInfo, error)

	// FetchPeers reads the peer list a peer currently knows.
	FetchPeers(ctx context.Context, peerURL string) ([]string, error)

	// Announce introduces this node and its known peers to a peer.
	Announce(ctx context.Context, peerURL, selfURL string, known []string) error
}

// PeerSource 提供 peer 集合，由 mesh 注册表实现。
type PeerSource interface {
	// List 返回全部已知 peer 地址，排序去重。
	List() []string

	// AddPeer 记录一个新 peer，已知或指向自身时返回 false。
	AddPeer(url string) bool
}

// DefaultTransport is an explicit "no transport" implementation.
// All methods return ErrNoTransport to avoid silently swallowing sync operations.
type DefaultTransport struct{}

// NewDefaultTransport creates a default transport implementation.
func NewDefaultTransport() Transport {
	return &DefaultTransport{}
}

// FetchEntries returns ErrNoTransport.
func (t *DefaultTransport) FetchEntries(ctx context.Context, peerURL, docID string, after uint64, limit int) ([]store.Entry, error) {
	return nil, ErrNoTransport
}

// PushEntries returns ErrNoTransport.
func (t *DefaultTransport) PushEntries(ctx context.Context, peerURL, origin, docID string, kind crdt.DocKind, entries []store.Entry) error {
	return ErrNoTransport
}

// FetchDocs returns ErrNoTransport.
func (t *DefaultTransport) FetchDocs(ctx context.Context, peerURL string) ([]store.DocInfo, error) {
	return nil, ErrNoTransport
}

// FetchPeers returns ErrNoTransport.
func (t *DefaultTransport) FetchPeers(ctx context.Context, peerURL string) ([]string, error) {
	return nil, ErrNoTransport
}

// Announce returns ErrNoTransport.
func (t *DefaultTransport) Announce(ctx context.Context, peerURL, selfURL string, known []string) error {
	return ErrNoTransport
}
