package store

import (
	"errors"
)

var (
	// ErrKeyNotFound 表示键不存在。
	ErrKeyNotFound = errors.New("key not found")

	// ErrUnknownDocument 表示文档未在目录中注册。
	ErrUnknownDocument = errors.New("unknown document")

	// ErrKindConflict 表示同一文档被注册为不同的类型。
	ErrKindConflict = errors.New("document kind conflict")
)

// Store 是底层 KV 存储接口。每个节点持有一个实例。
type Store interface {
	// Close 关闭存储。
	Close() error

	// RunTx 运行事务。update 为 true 时是读写事务。
	RunTx(update bool, fn func(Tx) error) error

	// View 执行只读事务。
	View(fn func(Tx) error) error

	// Update 执行读写事务。
	Update(fn func(Tx) error) error
}

// Tx 是一次事务。
type Tx interface {
	// Set 写入键值。
	Set(key, value []byte) error

	// Get 读取键值。键不存在时返回 ErrKeyNotFound。
	Get(key []byte) ([]byte, error)

	// Delete 删除键。
	Delete(key []byte) error

	// NewIterator 创建迭代器。
	NewIterator(opts IteratorOptions) Iterator
}

// IteratorOptions 控制迭代方向与范围。
type IteratorOptions struct {
	Prefix  []byte
	Reverse bool
}

// Iterator 按键序遍历存储。
type Iterator interface {
	// Seek 移动到第一个不小于 key 的键。
	Seek(key []byte)

	// Rewind 回到范围开头。
	Rewind()

	// Valid 判断当前位置是否有效。
	Valid() bool

	// ValidForPrefix 判断当前键是否仍在前缀内。
	ValidForPrefix(prefix []byte) bool

	// Next 前进一个键。
	Next()

	// Item 返回当前键值的副本。
	Item() (key, value []byte, err error)

	// Close 释放迭代器。
	Close()
}
