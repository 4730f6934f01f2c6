package crdt

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/docmesh/docmesh/pkg/hlc"
)

// FieldRegister 是一个字段的 LWW 寄存器。
// (Timestamp, Writer) 构成全序，合并时取较大者，与到达顺序无关。
type FieldRegister struct {
	Value     any    `msgpack:"value" json:"value"`
	Timestamp int64  `msgpack:"timestamp" json:"timestamp"`
	Writer    string `msgpack:"writer" json:"writer"`
	Deleted   bool   `msgpack:"deleted,omitempty" json:"deleted,omitempty"`
}

// supersedes 判断 a 是否应覆盖 b：先比时间戳，相等时比写者 ID。
func supersedes(a, b FieldRegister) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.Writer > b.Writer
}

// StructuredReplica 表示一条 JSON 式记录：字段名到 LWW 寄存器的映射。
// 字段删除写入墓碑寄存器而非移除条目，保持 LWW 语义。
type StructuredReplica struct {
	mu      sync.RWMutex
	replica string
	clock   *hlc.Clock
	fields  map[string]FieldRegister
}

// NewStructuredReplica 创建一条空记录。clock 为本节点的 HLC。
func NewStructuredReplica(replica string, clock *hlc.Clock) *StructuredReplica {
	return &StructuredReplica{
		replica: replica,
		clock:   clock,
		fields:  make(map[string]FieldRegister),
	}
}

// Kind 返回文档类型。
func (s *StructuredReplica) Kind() DocKind { return DocRecord }

// ReplicaID 返回本副本的标识。
func (s *StructuredReplica) ReplicaID() string { return s.replica }

// PrepareSet 用当前时钟构造一次字段写入，但不应用。
func (s *StructuredReplica) PrepareSet(field string, value any) (FieldSet, error) {
	if field == "" {
		return FieldSet{}, fmt.Errorf("set field: empty name: %w", ErrMalformedDelta)
	}
	return FieldSet{
		Field:     field,
		Value:     value,
		Timestamp: s.clock.Now(),
		Writer:    s.replica,
	}, nil
}

// PrepareRemove 构造一次字段删除（墓碑写入），但不应用。
func (s *StructuredReplica) PrepareRemove(field string) (FieldSet, error) {
	if field == "" {
		return FieldSet{}, fmt.Errorf("remove field: empty name: %w", ErrMalformedDelta)
	}
	return FieldSet{
		Field:     field,
		Timestamp: s.clock.Now(),
		Writer:    s.replica,
		Deleted:   true,
	}, nil
}

// ApplyDelta 应用一条字段写入。旧于现值的写入是无操作，重复应用幂等。
func (s *StructuredReplica) ApplyDelta(d Delta) error {
	set, ok := d.(FieldSet)
	if !ok {
		return fmt.Errorf("apply %s to record document: %w", d.Kind(), ErrKindMismatch)
	}
	if set.Field == "" || set.Writer == "" {
		return fmt.Errorf("field %q writer %q: %w", set.Field, set.Writer, ErrMalformedDelta)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyRegisterLocked(set.Field, FieldRegister{
		Value:     set.Value,
		Timestamp: set.Timestamp,
		Writer:    set.Writer,
		Deleted:   set.Deleted,
	})
	return nil
}

func (s *StructuredReplica) applyRegisterLocked(field string, reg FieldRegister) {
	if current, exists := s.fields[field]; exists && !supersedes(reg, current) {
		return
	}
	s.fields[field] = reg
}

// Merge 将远端记录并入本记录：逐字段取 (Timestamp, Writer) 较大的寄存器，
// 只在一边出现的字段直接并入。合并从不移除字段。
func (s *StructuredReplica) Merge(remote *StructuredReplica) error {
	if remote == nil || remote == s {
		return nil
	}

	remote.mu.RLock()
	incoming := make(map[string]FieldRegister, len(remote.fields))
	for name, reg := range remote.fields {
		incoming[name] = reg
	}
	remote.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, reg := range incoming {
		s.applyRegisterLocked(name, reg)
	}
	return nil
}

// Get 返回一个字段的寄存器。墓碑字段返回 false。
func (s *StructuredReplica) Get(field string) (FieldRegister, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, ok := s.fields[field]
	if !ok || reg.Deleted {
		return FieldRegister{}, false
	}
	return reg, true
}

// Materialize 返回字段名到值的映射，墓碑字段不出现。
func (s *StructuredReplica) Materialize() any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.fields))
	for name, reg := range s.fields {
		if reg.Deleted {
			continue
		}
		out[name] = reg.Value
	}
	return out
}

// Fields 返回全部寄存器（含墓碑）的快照，供同步层做整体交换。
func (s *StructuredReplica) Fields() map[string]FieldRegister {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]FieldRegister, len(s.fields))
	for name, reg := range s.fields {
		out[name] = reg
	}
	return out
}

// recordSnapshot 是结构化副本的序列化形态。字段按名字排序保证字节稳定。
type recordSnapshot struct {
	Replica string          `msgpack:"replica"`
	Names   []string        `msgpack:"names"`
	Regs    []FieldRegister `msgpack:"regs"`
}

// Snapshot 返回记录完整状态的 msgpack 字节。
func (s *StructuredReplica) Snapshot() ([]byte, error) {
	s.mu.RLock()
	snap := recordSnapshot{
		Replica: s.replica,
		Names:   make([]string, 0, len(s.fields)),
		Regs:    make([]FieldRegister, 0, len(s.fields)),
	}
	for name := range s.fields {
		snap.Names = append(snap.Names, name)
	}
	sort.Strings(snap.Names)
	for _, name := range snap.Names {
		snap.Regs = append(snap.Regs, s.fields[name])
	}
	s.mu.RUnlock()

	data, err := msgpack.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode record snapshot: %w", err)
	}
	return data, nil
}

// RestoreRecord 从快照字节重建结构化副本。
func RestoreRecord(data []byte, replica string, clock *hlc.Clock) (*StructuredReplica, error) {
	var snap recordSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode record snapshot: %w", err)
	}
	if len(snap.Names) != len(snap.Regs) {
		return nil, fmt.Errorf("record snapshot: %d names, %d registers: %w",
			len(snap.Names), len(snap.Regs), ErrMalformedDelta)
	}

	s := NewStructuredReplica(replica, clock)
	for i, name := range snap.Names {
		s.fields[name] = snap.Regs[i]
		if clock != nil {
			clock.Update(snap.Regs[i].Timestamp)
		}
	}
	return s, nil
}
