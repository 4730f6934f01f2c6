package sync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docmesh/docmesh/pkg/crdt"
	"github.com/docmesh/docmesh/pkg/store"
)

// Coordinator 驱动单个文档的离线优先同步：本地编辑先落持久日志再进内存，
// 远端记录按每 peer 游标增量拉取合并。实例由 Engine 创建并持有。
type Coordinator struct {
	mu         sync.Mutex // 串行化本地编辑与远端合并
	docID      string
	kind       crdt.DocKind
	replica    crdt.Replica
	logs       *store.DeltaLog
	transport  Transport
	origin     string // 本节点对外地址，随推送一起带给接收方
	batchLimit int
	notify     func(ChangeEvent)

	state    int32 // SyncState，CAS 推进
	localSeq uint64

	statusMu sync.Mutex
	lastErr  error
	lastSync time.Time
}

func newCoordinator(docID string, kind crdt.DocKind, replica crdt.Replica, logs *store.DeltaLog, transport Transport, origin string, batchLimit int, notify func(ChangeEvent)) *Coordinator {
	return &Coordinator{
		docID:      docID,
		kind:       kind,
		replica:    replica,
		logs:       logs,
		transport:  transport,
		origin:     origin,
		batchLimit: batchLimit,
		notify:     notify,
	}
}

// DocID 返回文档 ID。
func (c *Coordinator) DocID() string { return c.docID }

// Kind 返回文档类型。
func (c *Coordinator) Kind() crdt.DocKind { return c.kind }

// Content 返回文档当前收敛值：文本为 string，记录为 map[string]any。
func (c *Coordinator) Content() any {
	return c.replica.Materialize()
}

// LocalSeq 返回最近一次本地编辑的日志序号。
func (c *Coordinator) LocalSeq() uint64 {
	return atomic.LoadUint64(&c.localSeq)
}

// ApplyLocal 应用一条本地产生的 delta：先写持久日志，成功后进内存并存快照。
// 日志写入失败时编辑视为未发生，错误携带 ErrIntegrity。
func (c *Coordinator) ApplyLocal(delta crdt.Delta) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocalLocked(delta)
}

func (c *Coordinator) applyLocalLocked(delta crdt.Delta) (uint64, error) {
	if delta == nil {
		return 0, fmt.Errorf("空 delta: %w", crdt.ErrMalformedDelta)
	}
	if delta.DocKind() != c.kind {
		return 0, fmt.Errorf("文档 %s 是 %s 类型，收到 %s delta: %w", c.docID, c.kind, delta.DocKind(), crdt.ErrKindMismatch)
	}
	raw, err := crdt.EncodeDelta(delta)
	if err != nil {
		return 0, err
	}

	seq, err := c.logs.Append(c.docID, raw)
	if err != nil {
		log.Printf("[Coordinator:%s] append failed: %v", c.docID, err)
		return 0, fmt.Errorf("持久化本地编辑: %v: %w", err, ErrIntegrity)
	}

	// Prepare 已做过校验，落盘后的内存应用不应失败；真失败只会是编解码缺陷。
	if err := c.replica.ApplyDelta(delta); err != nil {
		log.Printf("[Coordinator:%s] apply after append failed: seq=%d, err=%v", c.docID, seq, err)
		return 0, err
	}

	atomic.StoreUint64(&c.localSeq, seq)
	c.saveSnapshotLocked(seq)

	if c.notify != nil {
		c.notify(ChangeEvent{DocID: c.docID, Seq: seq, Origin: "local"})
	}
	return seq, nil
}

// 快照落后无碍：重启时会回放序号更高的日志记录。
func (c *Coordinator) saveSnapshotLocked(seq uint64) {
	snap, err := c.replica.Snapshot()
	if err != nil {
		log.Printf("[Coordinator:%s] snapshot encode failed: %v", c.docID, err)
		return
	}
	if err := c.logs.SaveSnapshot(c.docID, snap, seq); err != nil {
		log.Printf("[Coordinator:%s] snapshot save failed: %v", c.docID, err)
	}
}

// InsertText 在 after 之后插入一个字符，仅文本文档可用。
func (c *Coordinator) InsertText(after crdt.ElementID, value rune) (crdt.TextInsert, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	text, ok := c.replica.(*crdt.TextReplica)
	if !ok {
		return crdt.TextInsert{}, 0, fmt.Errorf("文档 %s 不是文本类型: %w", c.docID, crdt.ErrKindMismatch)
	}
	delta, err := text.PrepareInsert(after, value)
	if err != nil {
		return crdt.TextInsert{}, 0, err
	}
	seq, err := c.applyLocalLocked(delta)
	return delta, seq, err
}

// DeleteText 删除 id 对应的字符，仅文本文档可用。
func (c *Coordinator) DeleteText(id crdt.ElementID) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	text, ok := c.replica.(*crdt.TextReplica)
	if !ok {
		return 0, fmt.Errorf("文档 %s 不是文本类型: %w", c.docID, crdt.ErrKindMismatch)
	}
	delta, err := text.PrepareDelete(id)
	if err != nil {
		return 0, err
	}
	return c.applyLocalLocked(delta)
}

// SetField 写入一个字段，仅记录文档可用。
func (c *Coordinator) SetField(field string, value any) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.replica.(*crdt.StructuredReplica)
	if !ok {
		return 0, fmt.Errorf("文档 %s 不是记录类型: %w", c.docID, crdt.ErrKindMismatch)
	}
	delta, err := rec.PrepareSet(field, value)
	if err != nil {
		return 0, err
	}
	return c.applyLocalLocked(delta)
}

// RemoveField 删除一个字段（写入墓碑），仅记录文档可用。
func (c *Coordinator) RemoveField(field string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.replica.(*crdt.StructuredReplica)
	if !ok {
		return 0, fmt.Errorf("文档 %s 不是记录类型: %w", c.docID, crdt.ErrKindMismatch)
	}
	delta, err := rec.PrepareRemove(field)
	if err != nil {
		return 0, err
	}
	return c.applyLocalLocked(delta)
}

// mergeEntriesLocked 解码并应用一批远端记录。
// 坏记录记日志后跳过，永不中断整批：游标仍会越过它们。
func (c *Coordinator) mergeEntriesLocked(peer string, entries []store.Entry) (applied, rejected int) {
	for _, entry := range entries {
		delta, err := crdt.DecodeDelta(entry.Delta)
		if err != nil {
			log.Printf("[Coordinator:%s] skip undecodable entry: peer=%s, seq=%d, err=%v", c.docID, peer, entry.Seq, err)
			rejected++
			continue
		}
		if delta.DocKind() != c.kind {
			log.Printf("[Coordinator:%s] skip %s entry for %s doc: peer=%s, seq=%d", c.docID, delta.DocKind(), c.kind, peer, entry.Seq)
			rejected++
			continue
		}
		if err := c.replica.ApplyDelta(delta); err != nil {
			log.Printf("[Coordinator:%s] merge entry failed: peer=%s, seq=%d, err=%v", c.docID, peer, entry.Seq, err)
			rejected++
			continue
		}
		applied++
	}
	return applied, rejected
}

// commitBatchLocked 在一个事务里保存合并后快照并推进对 peer 的拉取游标。
func (c *Coordinator) commitBatchLocked(peer string, maxSeq uint64) error {
	snap, err := c.replica.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot after merge: %w", err)
	}
	return c.logs.CommitRemoteBatch(c.docID, snap, atomic.LoadUint64(&c.localSeq), peer, maxSeq)
}

// ReceivePush 应用另一节点主动推来的记录，origin 为推送方地址。
// 返回应用与拒绝的条数。游标推进后，后续拉取不再重复这些记录。
func (c *Coordinator) ReceivePush(origin string, entries []store.Entry) (int, int, error) {
	if len(entries) == 0 {
		return 0, 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	applied, rejected := c.mergeEntriesLocked(origin, entries)

	var maxSeq uint64
	for _, entry := range entries {
		if entry.Seq > maxSeq {
			maxSeq = entry.Seq
		}
	}
	if err := c.commitBatchLocked(origin, maxSeq); err != nil {
		return applied, rejected, err
	}

	if applied > 0 && c.notify != nil {
		c.notify(ChangeEvent{DocID: c.docID, Origin: origin})
	}
	return applied, rejected, nil
}

// PullAndMerge 从每个 peer 增量拉取并合并。单个 peer 失败不影响其余。
func (c *Coordinator) PullAndMerge(ctx context.Context, peers []string, result *CycleResult) {
	for _, peer := range peers {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err())
			return
		}
		if err := c.pullFrom(ctx, peer, result); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		result.PeersContacted++
	}
}

func (c *Coordinator) pullFrom(ctx context.Context, peer string, result *CycleResult) error {
	for {
		cursor, err := c.logs.Cursor(c.docID, peer)
		if err != nil {
			return err
		}

		entries, err := c.transport.FetchEntries(ctx, peer, c.docID, cursor, c.batchLimit)
		if err != nil {
			return fmt.Errorf("pull %s from %s: %v: %w", c.docID, peer, err, ErrTransport)
		}
		if len(entries) == 0 {
			return nil
		}

		var maxSeq uint64
		for _, entry := range entries {
			if entry.Seq > maxSeq {
				maxSeq = entry.Seq
			}
		}

		c.mu.Lock()
		applied, rejected := c.mergeEntriesLocked(peer, entries)
		err = c.commitBatchLocked(peer, maxSeq)
		c.mu.Unlock()
		if err != nil {
			return err
		}

		result.EntriesPulled += len(entries)
		result.EntriesApplied += applied
		result.RejectedCount += rejected
		if applied > 0 && c.notify != nil {
			c.notify(ChangeEvent{DocID: c.docID, Origin: peer})
		}

		// 不限额时一次拉全量；限额时批量小于上限说明已到末尾
		if c.batchLimit <= 0 || len(entries) < c.batchLimit {
			return nil
		}
	}
}

// PushPending 将未确认的本地记录推给各 peer；至少一个 peer 收到即确认。
func (c *Coordinator) PushPending(ctx context.Context, peers []string, result *CycleResult) {
	pending, err := c.logs.Pending(c.docID)
	if err != nil {
		result.Errors = append(result.Errors, err)
		return
	}
	if len(pending) == 0 || len(peers) == 0 {
		return
	}
	maxSeq := pending[len(pending)-1].Seq

	delivered := false
	for _, peer := range peers {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err())
			break
		}
		if err := c.transport.PushEntries(ctx, peer, c.origin, c.docID, c.kind, pending); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("push %s to %s: %v: %w", c.docID, peer, err, ErrTransport))
			continue
		}
		delivered = true
		result.EntriesPushed += len(pending)
	}

	if delivered {
		if err := c.logs.Acknowledge(c.docID, maxSeq); err != nil {
			result.Errors = append(result.Errors, err)
			return
		}
		result.EntriesAcked = maxSeq
	}
}

// Cycle 执行一轮同步：先拉取合并，再推送未确认记录。
// 每文档同一时刻只允许一轮；正在进行时返回 ErrCycleRunning。
// 传输层错误不作为返回错误，全部累积在 CycleResult.Errors 并置状态为 Error。
func (c *Coordinator) Cycle(ctx context.Context, peers []string) (CycleResult, error) {
	if !atomic.CompareAndSwapInt32(&c.state, int32(StateIdle), int32(StateSyncing)) &&
		!atomic.CompareAndSwapInt32(&c.state, int32(StateError), int32(StateSyncing)) {
		return CycleResult{}, fmt.Errorf("document %s: %w", c.docID, ErrCycleRunning)
	}

	result := CycleResult{}
	c.PullAndMerge(ctx, peers, &result)
	c.PushPending(ctx, peers, &result)

	c.statusMu.Lock()
	c.lastSync = time.Now()
	if len(result.Errors) > 0 {
		c.lastErr = result.Errors[0]
	} else {
		c.lastErr = nil
	}
	c.statusMu.Unlock()

	if len(result.Errors) > 0 {
		atomic.StoreInt32(&c.state, int32(StateError))
		log.Printf("[Coordinator:%s] cycle done with %d errors: peers=%d, pulled=%d, applied=%d, pushed=%d, rejected=%d",
			c.docID, len(result.Errors), result.PeersContacted, result.EntriesPulled, result.EntriesApplied, result.EntriesPushed, result.RejectedCount)
	} else {
		atomic.StoreInt32(&c.state, int32(StateIdle))
		if result.EntriesPulled > 0 || result.EntriesPushed > 0 {
			log.Printf("[Coordinator:%s] cycle done: peers=%d, pulled=%d, applied=%d, pushed=%d",
				c.docID, result.PeersContacted, result.EntriesPulled, result.EntriesApplied, result.EntriesPushed)
		}
	}
	return result, nil
}

// State 返回当前同步状态。
func (c *Coordinator) State() SyncState {
	return SyncState(atomic.LoadInt32(&c.state))
}

// Status 返回文档同步状态快照。
func (c *Coordinator) Status() DocStatus {
	pendingCount := 0
	if pending, err := c.logs.Pending(c.docID); err == nil {
		pendingCount = len(pending)
	} else {
		log.Printf("[Coordinator:%s] read pending failed: %v", c.docID, err)
	}

	c.statusMu.Lock()
	lastErr := c.lastErr
	lastSync := c.lastSync
	c.statusMu.Unlock()

	status := DocStatus{
		DocID:        c.docID,
		Kind:         string(c.kind),
		State:        c.State().String(),
		LastSyncAt:   lastSync,
		PendingCount: pendingCount,
		LocalSeq:     atomic.LoadUint64(&c.localSeq),
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	return status
}
