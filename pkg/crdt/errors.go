package crdt

import "errors"

// ErrUnknownKind 表示 delta 封包携带了未注册的类型标签。
var ErrUnknownKind = errors.New("unknown delta kind")

// ErrMalformedDelta 表示 delta 封包无法解码。
var ErrMalformedDelta = errors.New("malformed delta payload")

// ErrUnknownAnchor 表示插入操作引用了本副本不存在的锚点。
var ErrUnknownAnchor = errors.New("anchor element not found")

// ErrUnknownElement 表示删除操作引用了本副本不存在的元素。
var ErrUnknownElement = errors.New("element not found")

// ErrKindMismatch 表示 delta 类型与文档类型不匹配。
var ErrKindMismatch = errors.New("delta kind does not match document kind")

// ErrUnknownDocKind 表示文档类型不在已注册的集合内。
var ErrUnknownDocKind = errors.New("unknown document kind")
