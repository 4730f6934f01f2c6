package crdt

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// TextReplica 实现文本文档的 RGA（Replicated Growable Array）。
// 元素按锚点构成一棵树；同一锚点下的兄弟按 ElementID 降序排列，
// 深度优先遍历得到的线性顺序在所有见过相同元素集合的副本上一致。
// 线性顺序以链表形式增量维护，避免每次读取都重新遍历树。
type TextReplica struct {
	mu       sync.RWMutex
	replica  string
	counter  uint64
	elements map[ElementID]*TextElement
	head     *TextElement

	// 锚点 -> 子元素列表，按 ElementID 降序
	edges map[ElementID][]*TextElement
	// 锚点尚未到达的元素，按缺失的锚点归组
	orphans map[ElementID][]*TextElement
	// 先于插入到达的删除
	pending map[ElementID]struct{}
}

// NewTextReplica 创建一个空文本副本。replica 是本副本分配元素 ID 用的标识。
func NewTextReplica(replica string) *TextReplica {
	head := &TextElement{ID: Root, Visible: false}
	return &TextReplica{
		replica:  replica,
		elements: map[ElementID]*TextElement{Root: head},
		head:     head,
		edges:    make(map[ElementID][]*TextElement),
		orphans:  make(map[ElementID][]*TextElement),
		pending:  make(map[ElementID]struct{}),
	}
}

// Kind 返回文档类型。
func (t *TextReplica) Kind() DocKind { return DocText }

// ReplicaID 返回本副本的标识。
func (t *TextReplica) ReplicaID() string { return t.replica }

// PrepareInsert 校验锚点并分配新元素 ID，但不应用。
// 调用方将返回的 delta 持久化成功后再交给 ApplyDelta。
func (t *TextReplica) PrepareInsert(after ElementID, value rune) (TextInsert, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.elements[after]; !ok {
		return TextInsert{}, fmt.Errorf("insert after %s: %w", after, ErrUnknownAnchor)
	}
	t.counter++
	return TextInsert{
		After: after,
		ID:    ElementID{Replica: t.replica, Counter: t.counter},
		Value: value,
	}, nil
}

// PrepareDelete 校验元素存在并构造删除 delta，但不应用。
func (t *TextReplica) PrepareDelete(id ElementID) (TextDelete, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if id.IsRoot() {
		return TextDelete{}, fmt.Errorf("delete %s: %w", id, ErrUnknownElement)
	}
	if _, ok := t.elements[id]; !ok {
		return TextDelete{}, fmt.Errorf("delete %s: %w", id, ErrUnknownElement)
	}
	return TextDelete{ID: id}, nil
}

// ApplyDelta 应用一条文本 delta。重复应用同一条 delta 是无操作。
// 远程 delta 的锚点可能尚未到达，这类元素会被暂存，锚点出现时自动接入。
func (t *TextReplica) ApplyDelta(d Delta) error {
	switch d := d.(type) {
	case TextInsert:
		return t.applyInsert(d)
	case TextDelete:
		return t.applyDelete(d)
	default:
		return fmt.Errorf("apply %s to text document: %w", d.Kind(), ErrKindMismatch)
	}
}

func (t *TextReplica) applyInsert(d TextInsert) error {
	if d.ID.IsRoot() || d.ID == d.After {
		return fmt.Errorf("insert id %s after %s: %w", d.ID, d.After, ErrMalformedDelta)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.elements[d.ID]; exists {
		return nil
	}

	// 回放或合并到本副本自己的历史时，推进计数器以免 ID 重复
	if d.ID.Replica == t.replica && d.ID.Counter > t.counter {
		t.counter = d.ID.Counter
	}

	elem := &TextElement{ID: d.ID, Value: d.Value, Anchor: d.After, Visible: true}
	if _, deleted := t.pending[d.ID]; deleted {
		elem.Visible = false
		delete(t.pending, d.ID)
	}

	if _, ok := t.elements[d.After]; !ok {
		t.stashOrphan(elem)
		return nil
	}
	t.integrate(elem)
	return nil
}

func (t *TextReplica) applyDelete(d TextDelete) error {
	if d.ID.IsRoot() {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.markDeletedLocked(d.ID)
	return nil
}

// markDeletedLocked 将元素置为墓碑；元素未到达时记入 pending，
// 到达后立即以墓碑形态接入，保证删除不可逆转。
func (t *TextReplica) markDeletedLocked(id ElementID) {
	if elem, ok := t.elements[id]; ok {
		elem.Visible = false
		return
	}
	t.pending[id] = struct{}{}
}

func (t *TextReplica) stashOrphan(elem *TextElement) {
	for _, waiting := range t.orphans[elem.Anchor] {
		if waiting.ID == elem.ID {
			return
		}
	}
	t.orphans[elem.Anchor] = append(t.orphans[elem.Anchor], elem)
}

// integrate 将元素接入锚点树和线性链表，随后接入所有等待它的暂存元素。
// 兄弟间按 ElementID 降序：第 0 位紧跟锚点，第 k 位跟在第 k-1 位子树的最右端之后。
func (t *TextReplica) integrate(elem *TextElement) {
	t.elements[elem.ID] = elem

	children, idx := insertChild(t.edges[elem.Anchor], elem)
	t.edges[elem.Anchor] = children

	var pos *TextElement
	if idx == 0 {
		pos = t.elements[elem.Anchor]
	} else {
		pos = t.rightmost(children[idx-1])
	}
	elem.next = pos.next
	pos.next = elem.ID

	if waiting, ok := t.orphans[elem.ID]; ok {
		delete(t.orphans, elem.ID)
		for _, w := range waiting {
			if _, dup := t.elements[w.ID]; dup {
				continue
			}
			if _, deleted := t.pending[w.ID]; deleted {
				w.Visible = false
				delete(t.pending, w.ID)
			}
			t.integrate(w)
		}
	}
}

// insertChild 将元素插入降序兄弟列表，返回新列表和插入位置。
func insertChild(children []*TextElement, elem *TextElement) ([]*TextElement, int) {
	idx := sort.Search(len(children), func(i int) bool {
		return elem.ID.Compare(children[i].ID) > 0
	})
	children = append(children, nil)
	copy(children[idx+1:], children[idx:])
	children[idx] = elem
	return children, idx
}

// rightmost 返回以 node 为根的子树在线性顺序中的最后一个元素。
func (t *TextReplica) rightmost(node *TextElement) *TextElement {
	curr := node
	for {
		children := t.edges[curr.ID]
		if len(children) == 0 {
			return curr
		}
		curr = children[len(children)-1]
	}
}

// Materialize 返回可见元素按线性顺序拼接的字符串。
func (t *TextReplica) Materialize() any {
	return t.String()
}

// String 返回文档当前文本。
func (t *TextReplica) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var b strings.Builder
	for cur := t.head.next; !cur.IsRoot(); {
		elem := t.elements[cur]
		if elem.Visible {
			b.WriteRune(elem.Value)
		}
		cur = elem.next
	}
	return b.String()
}

// Len 返回可见元素数量。
func (t *TextReplica) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for cur := t.head.next; !cur.IsRoot(); {
		elem := t.elements[cur]
		if elem.Visible {
			n++
		}
		cur = elem.next
	}
	return n
}

// VisibleElements 按线性顺序返回可见元素的副本，供上层定位锚点和删除目标。
func (t *TextReplica) VisibleElements() []TextElement {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]TextElement, 0, len(t.elements)-1)
	for cur := t.head.next; !cur.IsRoot(); {
		elem := t.elements[cur]
		if elem.Visible {
			copied := *elem
			copied.next = ElementID{}
			out = append(out, copied)
		}
		cur = elem.next
	}
	return out
}

// Merge 将远端副本的全部状态并入本副本。
// 按 ID 取并集；两边都有的元素墓碑优先；远端的暂存元素与先行删除一并并入。
func (t *TextReplica) Merge(remote *TextReplica) error {
	if remote == nil || remote == t {
		return nil
	}

	remote.mu.RLock()
	incoming := remote.chainLocked()
	for _, waiting := range remote.orphans {
		for _, w := range waiting {
			copied := *w
			incoming = append(incoming, &copied)
		}
	}
	pendingDeletes := make([]ElementID, 0, len(remote.pending))
	for id := range remote.pending {
		pendingDeletes = append(pendingDeletes, id)
	}
	remote.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, relem := range incoming {
		if local, exists := t.elements[relem.ID]; exists {
			if !relem.Visible && local.Visible {
				local.Visible = false
			}
			continue
		}
		elem := &TextElement{ID: relem.ID, Value: relem.Value, Anchor: relem.Anchor, Visible: relem.Visible}
		if _, deleted := t.pending[elem.ID]; deleted {
			elem.Visible = false
			delete(t.pending, elem.ID)
		}
		if elem.ID.Replica == t.replica && elem.ID.Counter > t.counter {
			t.counter = elem.ID.Counter
		}
		if _, ok := t.elements[elem.Anchor]; !ok {
			t.stashOrphan(elem)
			continue
		}
		t.integrate(elem)
	}

	for _, id := range pendingDeletes {
		t.markDeletedLocked(id)
	}
	return nil
}

// chainLocked 按线性顺序返回全部元素（含墓碑）的副本。
// 链表顺序保证锚点先于其后代出现。调用方需持有读锁。
func (t *TextReplica) chainLocked() []*TextElement {
	out := make([]*TextElement, 0, len(t.elements)-1)
	for cur := t.head.next; !cur.IsRoot(); {
		elem := t.elements[cur]
		copied := *elem
		out = append(out, &copied)
		cur = elem.next
	}
	return out
}
