package store

import (
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/docmesh/docmesh/pkg/crdt"
)

// 键布局（全部 ASCII，前缀扫描友好）：
//
//	doc/<id>            -> DocInfo          已注册文档目录
//	meta/<id>           -> docMeta          追加序号与更新时间
//	delta/<id>/<%020d>  -> Entry            本地产生的变更记录
//	ack/<id>            -> uint64 BE        已确认投递的最高序号
//	snap/<id>/latest    -> snapshotRecord   副本状态快照
//	cursor/<id>/<peer>  -> uint64 BE        从该 peer 已拉取的最高远端序号
const (
	docPrefix    = "doc/"
	metaPrefix   = "meta/"
	deltaPrefix  = "delta/"
	ackPrefix    = "ack/"
	snapPrefix   = "snap/"
	cursorPrefix = "cursor/"
	nodeIDKey    = "node/id"
)

func docKey(id string) []byte     { return []byte(docPrefix + id) }
func metaKey(id string) []byte    { return []byte(metaPrefix + id) }
func ackKey(id string) []byte     { return []byte(ackPrefix + id) }
func snapKey(id string) []byte    { return []byte(snapPrefix + id + "/latest") }
func deltaDocPrefix(id string) []byte {
	return []byte(deltaPrefix + id + "/")
}
func deltaKey(id string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", deltaPrefix, id, seq))
}
func cursorKey(id, peer string) []byte {
	return []byte(cursorPrefix + id + "/" + peer)
}

// Entry 是一条持久化的变更记录。
// Delta 字段是 crdt 封包字节；记录保留到整个前缀可安全整理为止，
// 确认投递只推进水位线，不删除记录，这样其它 peer 仍可拉取历史。
type Entry struct {
	Seq       uint64 `msgpack:"seq" json:"seq"`
	DocID     string `msgpack:"doc_id" json:"doc_id"`
	Delta     []byte `msgpack:"delta" json:"delta"`
	CreatedAt int64  `msgpack:"created_at" json:"created_at"`
}

// DocInfo 是目录中一条文档记录。
type DocInfo struct {
	DocID     string       `msgpack:"doc_id" json:"doc_id"`
	Kind      crdt.DocKind `msgpack:"kind" json:"kind"`
	CreatedAt int64        `msgpack:"created_at" json:"created_at"`
}

type docMeta struct {
	Kind      crdt.DocKind `msgpack:"kind"`
	LastSeq   uint64       `msgpack:"last_seq"`
	UpdatedAt int64        `msgpack:"updated_at"`
}

type snapshotRecord struct {
	Seq     uint64 `msgpack:"seq"` // 快照覆盖到的本地序号
	SavedAt int64  `msgpack:"saved_at"`
	Data    []byte `msgpack:"data"`
}

// DeltaLog 是节点的持久层：文档目录、每文档变更队列、快照与拉取游标。
// 一个节点一个实例，供所有 coordinator 共享。
type DeltaLog struct {
	store Store
}

// NewDeltaLog 在给定存储上创建持久层。
func NewDeltaLog(s Store) *DeltaLog {
	return &DeltaLog{store: s}
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func decodeSeq(val []byte) (uint64, error) {
	if len(val) != 8 {
		return 0, fmt.Errorf("sequence value has %d bytes, want 8", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

// EnsureNodeID 返回持久化的节点副本 ID，首次调用时用 generate 生成并落盘。
// 副本 ID 必须跨重启稳定，否则计数器连续性失效。
func (l *DeltaLog) EnsureNodeID(generate func() string) (string, error) {
	var id string
	err := l.store.Update(func(tx Tx) error {
		raw, err := tx.Get([]byte(nodeIDKey))
		if err == nil {
			id = string(raw)
			return nil
		}
		if err != ErrKeyNotFound {
			return err
		}
		id = generate()
		return tx.Set([]byte(nodeIDKey), []byte(id))
	})
	return id, err
}

// EnsureDoc 注册文档；已存在且类型一致时幂等返回。
// 返回 true 表示这次调用创建了文档。
func (l *DeltaLog) EnsureDoc(docID string, kind crdt.DocKind) (bool, error) {
	created := false
	err := l.store.Update(func(tx Tx) error {
		raw, err := tx.Get(metaKey(docID))
		if err == nil {
			var meta docMeta
			if err := msgpack.Unmarshal(raw, &meta); err != nil {
				return fmt.Errorf("decode meta for %s: %w", docID, err)
			}
			if meta.Kind != kind {
				return fmt.Errorf("document %s is %s, not %s: %w", docID, meta.Kind, kind, ErrKindConflict)
			}
			return nil
		}
		if err != ErrKeyNotFound {
			return err
		}

		now := time.Now().UnixMilli()
		metaRaw, err := msgpack.Marshal(docMeta{Kind: kind, UpdatedAt: now})
		if err != nil {
			return err
		}
		infoRaw, err := msgpack.Marshal(DocInfo{DocID: docID, Kind: kind, CreatedAt: now})
		if err != nil {
			return err
		}
		if err := tx.Set(metaKey(docID), metaRaw); err != nil {
			return err
		}
		if err := tx.Set(docKey(docID), infoRaw); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// Docs 返回目录中的全部文档。
func (l *DeltaLog) Docs() ([]DocInfo, error) {
	var out []DocInfo
	err := l.store.View(func(tx Tx) error {
		it := tx.NewIterator(IteratorOptions{Prefix: []byte(docPrefix)})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix([]byte(docPrefix)); it.Next() {
			_, val, err := it.Item()
			if err != nil {
				return err
			}
			var info DocInfo
			if err := msgpack.Unmarshal(val, &info); err != nil {
				// 坏记录跳过，不能挡住整个目录
				log.Printf("[DeltaLog] skip corrupt doc record: %v", err)
				continue
			}
			out = append(out, info)
		}
		return nil
	})
	return out, err
}

// Doc 返回单个文档的目录记录。
func (l *DeltaLog) Doc(docID string) (DocInfo, error) {
	var info DocInfo
	err := l.store.View(func(tx Tx) error {
		raw, err := tx.Get(docKey(docID))
		if err == ErrKeyNotFound {
			return fmt.Errorf("doc %s: %w", docID, ErrUnknownDocument)
		}
		if err != nil {
			return err
		}
		return msgpack.Unmarshal(raw, &info)
	})
	return info, err
}

// LastModified 返回文档最近一次本地追加或快照落盘的时间（毫秒）。
// 远端合并走快照路径，所以两者取较大值。
func (l *DeltaLog) LastModified(docID string) (int64, error) {
	var ms int64
	err := l.store.View(func(tx Tx) error {
		raw, err := tx.Get(metaKey(docID))
		if err == ErrKeyNotFound {
			return fmt.Errorf("doc %s: %w", docID, ErrUnknownDocument)
		}
		if err != nil {
			return err
		}
		var meta docMeta
		if err := msgpack.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("decode meta for %s: %w", docID, err)
		}
		ms = meta.UpdatedAt

		if raw, err := tx.Get(snapKey(docID)); err == nil {
			var rec snapshotRecord
			if err := msgpack.Unmarshal(raw, &rec); err == nil && rec.SavedAt > ms {
				ms = rec.SavedAt
			}
		}
		return nil
	})
	return ms, err
}

// Append 持久化一条本地 delta，分配并返回单调递增的序号。
// 写入失败时本次编辑视为未发生，调用方必须向上返回错误。
func (l *DeltaLog) Append(docID string, delta []byte) (uint64, error) {
	var seq uint64
	err := l.store.Update(func(tx Tx) error {
		raw, err := tx.Get(metaKey(docID))
		if err == ErrKeyNotFound {
			return fmt.Errorf("append to %s: %w", docID, ErrUnknownDocument)
		}
		if err != nil {
			return err
		}
		var meta docMeta
		if err := msgpack.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("decode meta for %s: %w", docID, err)
		}

		meta.LastSeq++
		meta.UpdatedAt = time.Now().UnixMilli()
		seq = meta.LastSeq

		entry := Entry{
			Seq:       seq,
			DocID:     docID,
			Delta:     delta,
			CreatedAt: meta.UpdatedAt,
		}
		entryRaw, err := msgpack.Marshal(entry)
		if err != nil {
			return err
		}
		metaRaw, err := msgpack.Marshal(meta)
		if err != nil {
			return err
		}
		if err := tx.Set(deltaKey(docID, seq), entryRaw); err != nil {
			return err
		}
		return tx.Set(metaKey(docID), metaRaw)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// EntriesSince 返回序号大于 after 的记录，按序号升序，最多 limit 条。
// limit <= 0 表示不限。坏记录记录日志后跳过。
func (l *DeltaLog) EntriesSince(docID string, after uint64, limit int) ([]Entry, error) {
	var out []Entry
	prefix := deltaDocPrefix(docID)
	err := l.store.View(func(tx Tx) error {
		it := tx.NewIterator(IteratorOptions{Prefix: prefix})
		defer it.Close()
		it.Seek(deltaKey(docID, after+1))
		for ; it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			key, val, err := it.Item()
			if err != nil {
				return err
			}
			var entry Entry
			if err := msgpack.Unmarshal(val, &entry); err != nil {
				log.Printf("[DeltaLog] skip corrupt entry %s: %v", key, err)
				continue
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

// Pending 返回尚未确认投递的记录，按序号升序。
func (l *DeltaLog) Pending(docID string) ([]Entry, error) {
	ack, err := l.AckWatermark(docID)
	if err != nil {
		return nil, err
	}
	return l.EntriesSince(docID, ack, 0)
}

// AckWatermark 返回已确认投递的最高序号，没有时为 0。
func (l *DeltaLog) AckWatermark(docID string) (uint64, error) {
	var seq uint64
	err := l.store.View(func(tx Tx) error {
		raw, err := tx.Get(ackKey(docID))
		if err == ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		seq, err = decodeSeq(raw)
		return err
	})
	return seq, err
}

// Acknowledge 将确认水位线推进到 seq。水位线只进不退。
func (l *DeltaLog) Acknowledge(docID string, seq uint64) error {
	return l.store.Update(func(tx Tx) error {
		raw, err := tx.Get(ackKey(docID))
		if err == nil {
			current, err := decodeSeq(raw)
			if err != nil {
				return err
			}
			if current >= seq {
				return nil
			}
		} else if err != ErrKeyNotFound {
			return err
		}
		return tx.Set(ackKey(docID), encodeSeq(seq))
	})
}

// SaveSnapshot 保存副本快照及其覆盖到的本地序号。
// 快照落后不破坏正确性：重启时会回放序号更大的记录。
func (l *DeltaLog) SaveSnapshot(docID string, data []byte, seq uint64) error {
	return l.store.Update(func(tx Tx) error {
		return l.writeSnapshotTx(tx, docID, data, seq)
	})
}

func (l *DeltaLog) writeSnapshotTx(tx Tx, docID string, data []byte, seq uint64) error {
	rec := snapshotRecord{Seq: seq, SavedAt: time.Now().UnixMilli(), Data: data}
	raw, err := msgpack.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Set(snapKey(docID), raw)
}

// LoadSnapshot 返回最近一次快照与其覆盖序号。从未保存过时返回 ErrKeyNotFound。
func (l *DeltaLog) LoadSnapshot(docID string) ([]byte, uint64, error) {
	var rec snapshotRecord
	err := l.store.View(func(tx Tx) error {
		raw, err := tx.Get(snapKey(docID))
		if err != nil {
			return err
		}
		return msgpack.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, 0, err
	}
	return rec.Data, rec.Seq, nil
}

// CommitRemoteBatch 在一个事务里保存合并后的快照并推进对该 peer 的拉取游标。
// 两者同进退：崩溃后要么整批重拉（幂等），要么已完整记录。
func (l *DeltaLog) CommitRemoteBatch(docID string, data []byte, snapSeq uint64, peer string, remoteSeq uint64) error {
	return l.store.Update(func(tx Tx) error {
		if err := l.writeSnapshotTx(tx, docID, data, snapSeq); err != nil {
			return err
		}
		raw, err := tx.Get(cursorKey(docID, peer))
		if err == nil {
			current, err := decodeSeq(raw)
			if err != nil {
				return err
			}
			if current >= remoteSeq {
				return nil
			}
		} else if err != ErrKeyNotFound {
			return err
		}
		return tx.Set(cursorKey(docID, peer), encodeSeq(remoteSeq))
	})
}

// Cursor 返回从 peer 已拉取的最高远端序号，没有时为 0。
func (l *DeltaLog) Cursor(docID, peer string) (uint64, error) {
	var seq uint64
	err := l.store.View(func(tx Tx) error {
		raw, err := tx.Get(cursorKey(docID, peer))
		if err == ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		seq, err = decodeSeq(raw)
		return err
	})
	return seq, err
}

// Compact 物理删除序号不大于 upTo 且已确认投递的记录。
// 维护操作：调用方需确保所有相关 peer 都已拉取过这些记录。
func (l *DeltaLog) Compact(docID string, upTo uint64) (int, error) {
	ack, err := l.AckWatermark(docID)
	if err != nil {
		return 0, err
	}
	if upTo > ack {
		upTo = ack
	}
	if upTo == 0 {
		return 0, nil
	}

	removed := 0
	prefix := deltaDocPrefix(docID)
	err = l.store.Update(func(tx Tx) error {
		it := tx.NewIterator(IteratorOptions{Prefix: prefix})
		var doomed [][]byte
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			key, val, err := it.Item()
			if err != nil {
				it.Close()
				return err
			}
			var entry Entry
			if err := msgpack.Unmarshal(val, &entry); err != nil {
				continue
			}
			if entry.Seq > upTo {
				break
			}
			doomed = append(doomed, key)
		}
		it.Close()
		for _, key := range doomed {
			if err := tx.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
