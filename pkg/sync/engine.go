package sync

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/docmesh/docmesh/pkg/crdt"
	"github.com/docmesh/docmesh/pkg/hlc"
	"github.com/docmesh/docmesh/pkg/store"
)

// Engine orchestrates the per-document coordinators, the durable log and the
// background sync/announce loops of one node.
type Engine struct {
	mu        sync.RWMutex
	cfg       Config
	store     store.Store
	ownsStore bool
	logs      *store.DeltaLog
	clock     *hlc.Clock
	peers     PeerSource
	transport Transport
	coords    map[string]*Coordinator

	ctx      context.Context
	cancel   context.CancelFunc
	workerWg sync.WaitGroup
	stopOnce sync.Once
	closed   int32

	changeQ chan ChangeEvent
	stats   engineStats
}

type engineStats struct {
	changeEnqueued uint64
	changeDropped  uint64
	cyclesRun      uint64
	cycleErrors    uint64
}

// EngineStats is a snapshot of engine runtime counters.
type EngineStats struct {
	ChangeEnqueued   uint64
	ChangeDropped    uint64
	ChangeQueueDepth int
	CyclesRun        uint64
	CycleErrors      uint64
}

// emptyPeerSource 是没有注册表时的占位实现。
type emptyPeerSource struct{}

func (emptyPeerSource) List() []string      { return nil }
func (emptyPeerSource) AddPeer(string) bool { return false }

// NewEngine creates an engine over an opened store. The caller keeps ownership
// of the store and closes it after Stop.
func NewEngine(s store.Store, peers PeerSource, transport Transport, cfg Config, opts ...Option) (*Engine, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("节点 ID 不能为空")
	}
	if err := crdt.ValidateRegistry(); err != nil {
		return nil, fmt.Errorf("delta 注册表不完整: %w", err)
	}
	if peers == nil {
		peers = emptyPeerSource{}
	}
	if transport == nil {
		transport = NewDefaultTransport()
	}
	defaults := DefaultConfig()
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaults.SyncInterval
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = defaults.AnnounceInterval
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaults.HTTPTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		store:     s,
		logs:      store.NewDeltaLog(s),
		clock:     hlc.New(),
		peers:     peers,
		transport: transport,
		coords:    make(map[string]*Coordinator),
		ctx:       ctx,
		cancel:    cancel,
		changeQ:   make(chan ChangeEvent, cfg.QueueSize),
	}

	// 恢复目录中全部文档：快照 + 回放快照之后的本地记录
	docs, err := e.logs.Docs()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("读取文档目录失败: %w", err)
	}
	for _, info := range docs {
		coord, err := e.openCoordinator(info)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("恢复文档 %s 失败: %w", info.DocID, err)
		}
		e.coords[info.DocID] = coord
	}
	if len(docs) > 0 {
		log.Printf("[Engine:%s] restored %d documents", cfg.NodeID, len(docs))
	}
	return e, nil
}

// Open is the convenience constructor: it opens a Badger store under dataDir,
// resolves a stable node ID and builds the engine. Stop closes the store.
func Open(dataDir string, peers PeerSource, transport Transport, cfg Config, opts ...Option) (*Engine, error) {
	s, err := store.NewBadgerStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("打开数据目录 %s 失败: %w", dataDir, err)
	}

	if cfg.NodeID == "" {
		logs := store.NewDeltaLog(s)
		id, err := logs.EnsureNodeID(uuid.NewString)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("读取节点 ID 失败: %w", err)
		}
		cfg.NodeID = id
	}

	e, err := NewEngine(s, peers, transport, cfg, opts...)
	if err != nil {
		s.Close()
		return nil, err
	}
	e.ownsStore = true
	return e, nil
}

func (e *Engine) openCoordinator(info store.DocInfo) (*Coordinator, error) {
	snapData, snapSeq, err := e.logs.LoadSnapshot(info.DocID)

	var replica crdt.Replica
	switch {
	case err == store.ErrKeyNotFound:
		snapSeq = 0
		replica, err = crdt.NewReplica(info.Kind, e.cfg.NodeID, e.clock)
	case err != nil:
		return nil, err
	default:
		replica, err = crdt.RestoreReplica(info.Kind, snapData, e.cfg.NodeID, e.clock)
	}
	if err != nil {
		return nil, err
	}

	// 快照之后的本地记录回放是幂等的
	entries, err := e.logs.EntriesSince(info.DocID, snapSeq, 0)
	if err != nil {
		return nil, err
	}
	lastSeq := snapSeq
	for _, entry := range entries {
		delta, err := crdt.DecodeDelta(entry.Delta)
		if err != nil {
			log.Printf("[Engine:%s] skip undecodable log entry: doc=%s, seq=%d, err=%v", e.cfg.NodeID, info.DocID, entry.Seq, err)
			continue
		}
		if err := replica.ApplyDelta(delta); err != nil {
			log.Printf("[Engine:%s] replay entry failed: doc=%s, seq=%d, err=%v", e.cfg.NodeID, info.DocID, entry.Seq, err)
			continue
		}
		lastSeq = entry.Seq
	}
	if len(entries) > 0 {
		log.Printf("[Engine:%s] replayed %d entries: doc=%s, through=%d", e.cfg.NodeID, len(entries), info.DocID, lastSeq)
	}

	coord := newCoordinator(info.DocID, info.Kind, replica, e.logs, e.transport, e.cfg.BaseURL, e.cfg.PullBatchLimit, e.enqueueChange)
	atomic.StoreUint64(&coord.localSeq, lastSeq)
	return coord, nil
}

// CreateDoc registers a document and returns its coordinator. Idempotent for
// an existing document of the same kind; a kind clash fails.
func (e *Engine) CreateDoc(docID string, kind crdt.DocKind) (*Coordinator, error) {
	if atomic.LoadInt32(&e.closed) != 0 {
		return nil, ErrClosed
	}
	if err := ValidateDocID(docID); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("create %s: %w", docID, crdt.ErrUnknownDocKind)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if coord, ok := e.coords[docID]; ok {
		if coord.Kind() != kind {
			return nil, fmt.Errorf("document %s is %s, not %s: %w", docID, coord.Kind(), kind, store.ErrKindConflict)
		}
		return coord, nil
	}

	created, err := e.logs.EnsureDoc(docID, kind)
	if err != nil {
		return nil, err
	}
	coord, err := e.openCoordinator(store.DocInfo{DocID: docID, Kind: kind})
	if err != nil {
		return nil, err
	}
	e.coords[docID] = coord
	if created {
		log.Printf("[Engine:%s] document created: doc=%s, kind=%s", e.cfg.NodeID, docID, kind)
	}
	return coord, nil
}

// Doc returns the coordinator of a registered document.
func (e *Engine) Doc(docID string) (*Coordinator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	coord, ok := e.coords[docID]
	if !ok {
		return nil, fmt.Errorf("doc %s: %w", docID, store.ErrUnknownDocument)
	}
	return coord, nil
}

// Docs returns per-document status snapshots sorted by document ID.
func (e *Engine) Docs() []DocStatus {
	e.mu.RLock()
	coords := make([]*Coordinator, 0, len(e.coords))
	for _, coord := range e.coords {
		coords = append(coords, coord)
	}
	e.mu.RUnlock()

	out := make([]DocStatus, 0, len(coords))
	for _, coord := range coords {
		out = append(out, coord.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out
}

// ReceiveEntries applies entries pushed by another node, adopting the document
// if it is not known locally yet. Returns applied and rejected counts.
func (e *Engine) ReceiveEntries(origin, docID string, kind crdt.DocKind, entries []store.Entry) (int, int, error) {
	if atomic.LoadInt32(&e.closed) != 0 {
		return 0, 0, ErrClosed
	}
	coord, err := e.Doc(docID)
	if err != nil {
		coord, err = e.CreateDoc(docID, kind)
		if err != nil {
			return 0, 0, err
		}
		log.Printf("[Engine:%s] adopted pushed document: doc=%s, kind=%s, from=%s", e.cfg.NodeID, docID, kind, origin)
	}
	return coord.ReceivePush(origin, entries)
}

// SyncDoc runs one sync cycle for a single document against the current peers.
func (e *Engine) SyncDoc(ctx context.Context, docID string) (CycleResult, error) {
	if atomic.LoadInt32(&e.closed) != 0 {
		return CycleResult{}, ErrClosed
	}
	coord, err := e.Doc(docID)
	if err != nil {
		return CycleResult{}, err
	}

	result, err := coord.Cycle(ctx, e.peers.List())
	atomic.AddUint64(&e.stats.cyclesRun, 1)
	atomic.AddUint64(&e.stats.cycleErrors, uint64(len(result.Errors)))
	return result, err
}

// SyncAll discovers documents on peers, then runs one cycle per local document.
func (e *Engine) SyncAll(ctx context.Context) map[string]CycleResult {
	results := make(map[string]CycleResult)
	if atomic.LoadInt32(&e.closed) != 0 {
		return results
	}

	e.discoverRemoteDocs(ctx)

	for _, status := range e.Docs() {
		if ctx.Err() != nil {
			return results
		}
		result, err := e.SyncDoc(ctx, status.DocID)
		if err != nil {
			// 正在同步中的文档这一轮跳过
			continue
		}
		results[status.DocID] = result
	}
	return results
}

// discoverRemoteDocs adopts documents peers are serving that we do not have yet.
func (e *Engine) discoverRemoteDocs(ctx context.Context) {
	for _, peer := range e.peers.List() {
		if ctx.Err() != nil {
			return
		}
		infos, err := e.transport.FetchDocs(ctx, peer)
		if err != nil {
			log.Printf("[Engine:%s] list docs failed: peer=%s, err=%v", e.cfg.NodeID, peer, err)
			continue
		}
		for _, info := range infos {
			if _, err := e.Doc(info.DocID); err == nil {
				continue
			}
			if _, err := e.CreateDoc(info.DocID, info.Kind); err != nil {
				log.Printf("[Engine:%s] adopt remote doc failed: doc=%s, peer=%s, err=%v", e.cfg.NodeID, info.DocID, peer, err)
				continue
			}
			log.Printf("[Engine:%s] adopted remote document: doc=%s, kind=%s, peer=%s", e.cfg.NodeID, info.DocID, info.Kind, peer)
		}
	}
}

// announceAll introduces this node to every known peer, then merges each
// peer's own list back in as gossip.
func (e *Engine) announceAll(ctx context.Context) {
	if e.cfg.BaseURL == "" {
		return
	}
	known := e.peers.List()
	for _, peer := range known {
		if ctx.Err() != nil {
			return
		}
		if err := e.transport.Announce(ctx, peer, e.cfg.BaseURL, known); err != nil {
			log.Printf("[Engine:%s] announce failed: peer=%s, err=%v", e.cfg.NodeID, peer, err)
			continue
		}
		reported, err := e.transport.FetchPeers(ctx, peer)
		if err != nil {
			log.Printf("[Engine:%s] fetch peers failed: peer=%s, err=%v", e.cfg.NodeID, peer, err)
			continue
		}
		for _, url := range reported {
			if url == e.cfg.BaseURL {
				continue
			}
			if e.peers.AddPeer(url) {
				log.Printf("[Engine:%s] learned peer via gossip: %s", e.cfg.NodeID, url)
			}
		}
	}
}

// Start launches the background sync and announce loops.
func (e *Engine) Start() error {
	if atomic.LoadInt32(&e.closed) != 0 {
		return ErrClosed
	}

	e.workerWg.Add(2)
	go e.runSyncLoop()
	go e.runAnnounceLoop()

	log.Printf("[Engine:%s] started: url=%s, docs=%d, peers=%d",
		e.cfg.NodeID, e.cfg.BaseURL, len(e.Docs()), len(e.peers.List()))
	return nil
}

func (e *Engine) runSyncLoop() {
	defer e.workerWg.Done()

	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.SyncAll(e.ctx)
		}
	}
}

func (e *Engine) runAnnounceLoop() {
	defer e.workerWg.Done()

	// 启动即宣告一次，之后按间隔重复
	e.announceAll(e.ctx)

	ticker := time.NewTicker(e.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.announceAll(e.ctx)
		}
	}
}

// Stop cancels the loops, waits for them and releases the store if owned.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		log.Printf("[Engine:%s] stopping", e.cfg.NodeID)
		atomic.StoreInt32(&e.closed, 1)
		e.cancel()
		e.workerWg.Wait()
		if e.ownsStore {
			if err := e.store.Close(); err != nil {
				log.Printf("[Engine:%s] close store failed: %v", e.cfg.NodeID, err)
			}
		}
	})
}

// Changes 返回变更通知通道。队列满时通知被丢弃，只影响刷新时机，不丢数据。
func (e *Engine) Changes() <-chan ChangeEvent {
	return e.changeQ
}

func (e *Engine) enqueueChange(ev ChangeEvent) {
	if e.ctx.Err() != nil {
		return
	}
	select {
	case e.changeQ <- ev:
		atomic.AddUint64(&e.stats.changeEnqueued, 1)
	default:
		atomic.AddUint64(&e.stats.changeDropped, 1)
	}
}

// Stats returns runtime metrics for the engine.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		ChangeEnqueued:   atomic.LoadUint64(&e.stats.changeEnqueued),
		ChangeDropped:    atomic.LoadUint64(&e.stats.changeDropped),
		ChangeQueueDepth: len(e.changeQ),
		CyclesRun:        atomic.LoadUint64(&e.stats.cyclesRun),
		CycleErrors:      atomic.LoadUint64(&e.stats.cycleErrors),
	}
}

// NodeID returns the stable replica ID of this node.
func (e *Engine) NodeID() string { return e.cfg.NodeID }

// BaseURL returns the advertised address of this node.
func (e *Engine) BaseURL() string { return e.cfg.BaseURL }

// Clock returns the node-wide hybrid logical clock.
func (e *Engine) Clock() *hlc.Clock { return e.clock }

// Peers returns the current peer list.
func (e *Engine) Peers() []string { return e.peers.List() }

// Log exposes the durable log, used by the mesh boundary to serve pulls.
func (e *Engine) Log() *store.DeltaLog { return e.logs }

// LastSync returns the most recent successful cycle time across documents.
func (e *Engine) LastSync() time.Time {
	var last time.Time
	for _, status := range e.Docs() {
		if status.LastSyncAt.After(last) {
			last = status.LastSyncAt
		}
	}
	return last
}
