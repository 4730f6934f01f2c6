package crdt

import (
	"fmt"

	"github.com/docmesh/docmesh/pkg/hlc"
)

// Replica 是文档副本的统一接口。实现是具体结构体，构造由静态注册表分发。
type Replica interface {
	Kind() DocKind
	ReplicaID() string
	// ApplyDelta 应用一条 delta；重复应用幂等。
	ApplyDelta(Delta) error
	// Materialize 返回当前收敛值：文本为 string，记录为 map[string]any。
	Materialize() any
	// Snapshot 返回完整状态的 msgpack 字节。
	Snapshot() ([]byte, error)
}

// docKindSpec 绑定一种文档类型的构造与恢复函数。
type docKindSpec struct {
	create  func(replica string, clock *hlc.Clock) Replica
	restore func(data []byte, replica string, clock *hlc.Clock) (Replica, error)
}

// docKindSpecs 是文档类型的封闭静态注册表，运行期只读。
var docKindSpecs = map[DocKind]docKindSpec{
	DocText: {
		create: func(replica string, _ *hlc.Clock) Replica {
			return NewTextReplica(replica)
		},
		restore: func(data []byte, replica string, _ *hlc.Clock) (Replica, error) {
			return RestoreText(data, replica)
		},
	},
	DocRecord: {
		create: func(replica string, clock *hlc.Clock) Replica {
			return NewStructuredReplica(replica, clock)
		},
		restore: func(data []byte, replica string, clock *hlc.Clock) (Replica, error) {
			return RestoreRecord(data, replica, clock)
		},
	},
}

// NewReplica 按文档类型创建空副本。
func NewReplica(kind DocKind, replica string, clock *hlc.Clock) (Replica, error) {
	spec, ok := docKindSpecs[kind]
	if !ok {
		return nil, fmt.Errorf("create replica %q: %w", kind, ErrUnknownDocKind)
	}
	return spec.create(replica, clock), nil
}

// RestoreReplica 按文档类型从快照重建副本。
func RestoreReplica(kind DocKind, data []byte, replica string, clock *hlc.Clock) (Replica, error) {
	spec, ok := docKindSpecs[kind]
	if !ok {
		return nil, fmt.Errorf("restore replica %q: %w", kind, ErrUnknownDocKind)
	}
	return spec.restore(data, replica, clock)
}
