package crdt

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// textSnapshot 是文本副本的序列化形态。
// Elements 按线性顺序存放，锚点总是先于其后代，恢复时无需暂存。
type textSnapshot struct {
	Replica  string        `msgpack:"replica"`
	Counter  uint64        `msgpack:"counter"`
	Elements []TextElement `msgpack:"elements"`
	Orphans  []TextElement `msgpack:"orphans,omitempty"`
	Pending  []ElementID   `msgpack:"pending,omitempty"`
}

// Snapshot 返回副本完整状态的 msgpack 字节。
func (t *TextReplica) Snapshot() ([]byte, error) {
	t.mu.RLock()

	snap := textSnapshot{
		Replica:  t.replica,
		Counter:  t.counter,
		Elements: make([]TextElement, 0, len(t.elements)-1),
	}
	for cur := t.head.next; !cur.IsRoot(); {
		elem := t.elements[cur]
		snap.Elements = append(snap.Elements, TextElement{
			ID: elem.ID, Value: elem.Value, Anchor: elem.Anchor, Visible: elem.Visible,
		})
		cur = elem.next
	}
	for _, waiting := range t.orphans {
		for _, w := range waiting {
			snap.Orphans = append(snap.Orphans, TextElement{
				ID: w.ID, Value: w.Value, Anchor: w.Anchor, Visible: w.Visible,
			})
		}
	}
	for id := range t.pending {
		snap.Pending = append(snap.Pending, id)
	}
	t.mu.RUnlock()

	// 暂存区与先行删除按 ID 排序，保证同一状态的快照字节一致
	sort.Slice(snap.Orphans, func(i, j int) bool {
		return snap.Orphans[i].ID.Compare(snap.Orphans[j].ID) < 0
	})
	sort.Slice(snap.Pending, func(i, j int) bool {
		return snap.Pending[i].Compare(snap.Pending[j]) < 0
	})

	data, err := msgpack.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode text snapshot: %w", err)
	}
	return data, nil
}

// RestoreText 从快照字节重建文本副本。
// replica 是本节点当前的副本标识；与快照一致时延续计数器，
// 不一致（数据目录易主）时计数器从零开始，ID 空间不冲突。
func RestoreText(data []byte, replica string) (*TextReplica, error) {
	var snap textSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode text snapshot: %w", err)
	}

	t := NewTextReplica(replica)
	if snap.Replica == replica {
		t.counter = snap.Counter
	}

	for i := range snap.Elements {
		e := snap.Elements[i]
		if err := t.applyInsert(TextInsert{After: e.Anchor, ID: e.ID, Value: e.Value}); err != nil {
			return nil, fmt.Errorf("restore element %s: %w", e.ID, err)
		}
		if !e.Visible {
			t.mu.Lock()
			t.markDeletedLocked(e.ID)
			t.mu.Unlock()
		}
	}
	for i := range snap.Orphans {
		o := snap.Orphans[i]
		if err := t.applyInsert(TextInsert{After: o.Anchor, ID: o.ID, Value: o.Value}); err != nil {
			return nil, fmt.Errorf("restore orphan %s: %w", o.ID, err)
		}
		if !o.Visible {
			t.mu.Lock()
			t.markDeletedLocked(o.ID)
			t.mu.Unlock()
		}
	}
	t.mu.Lock()
	for _, id := range snap.Pending {
		t.markDeletedLocked(id)
	}
	t.mu.Unlock()
	return t, nil
}
