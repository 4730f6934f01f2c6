package crdt

import (
	"fmt"
	"strings"
)

// ElementID 唯一标识一个文本元素：产生它的副本 ID 加上该副本的单调计数。
// 零值是 Root，表示文档开头这个虚拟锚点。
type ElementID struct {
	Replica string `msgpack:"r" json:"replica"`
	Counter uint64 `msgpack:"c" json:"counter"`
}

// Root 是文档开头的虚拟锚点。它不是真实元素，只能作为 Anchor 出现。
var Root = ElementID{}

// IsRoot 判断该 ID 是否为虚拟锚点。
func (id ElementID) IsRoot() bool {
	return id == Root
}

// Compare 定义 ElementID 的全序：先按 Replica 字典序，再按 Counter。
// 返回 1、0、-1 分别表示 id 大于、等于、小于 other。
func (id ElementID) Compare(other ElementID) int {
	if c := strings.Compare(id.Replica, other.Replica); c != 0 {
		return c
	}
	switch {
	case id.Counter > other.Counter:
		return 1
	case id.Counter < other.Counter:
		return -1
	default:
		return 0
	}
}

func (id ElementID) String() string {
	if id.IsRoot() {
		return "root"
	}
	return fmt.Sprintf("%s:%d", id.Replica, id.Counter)
}

// TextElement 是文本文档中的一个元素。
// Anchor 记录创建时它被插入在哪个元素之后（因果位置），绝不是数字下标。
// Visible 为 false 表示墓碑；墓碑永远保留，保证合并收敛。
type TextElement struct {
	ID      ElementID `msgpack:"id"`
	Value   rune      `msgpack:"value"`
	Anchor  ElementID `msgpack:"anchor"`
	Visible bool      `msgpack:"visible"`

	next ElementID // 线性化链表中的后继，由锚点树推导，不参与序列化
}
