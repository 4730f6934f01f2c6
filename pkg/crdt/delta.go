package crdt

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind 是 delta 封包的类型标签。
type Kind byte

const (
	KindTextInsert Kind = 0x01
	KindTextDelete Kind = 0x02
	KindFieldSet   Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindTextInsert:
		return "text_insert"
	case KindTextDelete:
		return "text_delete"
	case KindFieldSet:
		return "field_set"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

// DocKind 标识文档的副本类型。
type DocKind string

const (
	DocText   DocKind = "text"
	DocRecord DocKind = "record"
)

// Valid 判断 DocKind 是否属于已注册集合。
func (k DocKind) Valid() bool {
	_, ok := docKindSpecs[k]
	return ok
}

// Delta 是一次不可变的文档变更。创建后不得修改。
type Delta interface {
	Kind() Kind
	// DocKind 返回该 delta 适用的文档类型。
	DocKind() DocKind
}

// TextInsert 在 After 之后插入一个新元素。ID 由产生方分配，全局唯一。
type TextInsert struct {
	After ElementID `msgpack:"after"`
	ID    ElementID `msgpack:"id"`
	Value rune      `msgpack:"value"`
}

func (TextInsert) Kind() Kind       { return KindTextInsert }
func (TextInsert) DocKind() DocKind { return DocText }

// TextDelete 将 ID 对应的元素标记为墓碑。
type TextDelete struct {
	ID ElementID `msgpack:"id"`
}

func (TextDelete) Kind() Kind       { return KindTextDelete }
func (TextDelete) DocKind() DocKind { return DocText }

// FieldSet 写入一个字段寄存器。Deleted 为 true 时写入的是删除墓碑。
type FieldSet struct {
	Field     string `msgpack:"field"`
	Value     any    `msgpack:"value"`
	Timestamp int64  `msgpack:"timestamp"`
	Writer    string `msgpack:"writer"`
	Deleted   bool   `msgpack:"deleted,omitempty"`
}

func (FieldSet) Kind() Kind       { return KindFieldSet }
func (FieldSet) DocKind() DocKind { return DocRecord }

// envelope 是 delta 的线上与落盘封包格式。
type envelope struct {
	Kind Kind               `msgpack:"kind"`
	Body msgpack.RawMessage `msgpack:"body"`
}

// deltaCodecs 是封闭的静态注册表：每个 Kind 对应一个解码构造器。
// 启动时通过 ValidateRegistry 校验完整性，运行期只读。
var deltaCodecs = map[Kind]func() Delta{
	KindTextInsert: func() Delta { return &TextInsert{} },
	KindTextDelete: func() Delta { return &TextDelete{} },
	KindFieldSet:   func() Delta { return &FieldSet{} },
}

// allKinds 列出全部已声明的类型标签，用于注册表校验。
var allKinds = []Kind{KindTextInsert, KindTextDelete, KindFieldSet}

// ValidateRegistry 校验静态注册表的完整性，在引擎构造时调用一次。
func ValidateRegistry() error {
	for _, k := range allKinds {
		ctor, ok := deltaCodecs[k]
		if !ok || ctor == nil {
			return fmt.Errorf("delta kind %s has no decoder: %w", k, ErrUnknownKind)
		}
		if d := ctor(); !d.DocKind().Valid() {
			return fmt.Errorf("delta kind %s maps to unregistered doc kind %q: %w", k, d.DocKind(), ErrUnknownDocKind)
		}
	}
	for kind, spec := range docKindSpecs {
		if spec.create == nil || spec.restore == nil {
			return fmt.Errorf("doc kind %q registration incomplete: %w", kind, ErrUnknownDocKind)
		}
	}
	return nil
}

// EncodeDelta 将 delta 序列化为封包字节。
func EncodeDelta(d Delta) ([]byte, error) {
	body, err := msgpack.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode delta body: %w", err)
	}
	buf, err := msgpack.Marshal(envelope{Kind: d.Kind(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("encode delta envelope: %w", err)
	}
	return buf, nil
}

// DecodeDelta 从封包字节还原 delta。
// 未注册的类型标签返回 ErrUnknownKind，解码失败返回 ErrMalformedDelta。
func DecodeDelta(data []byte) (Delta, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	ctor, ok := deltaCodecs[env.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, byte(env.Kind))
	}
	d := ctor()
	if err := msgpack.Unmarshal(env.Body, d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	return deref(d), nil
}

// deref 将注册表构造的指针还原为值类型，保持 delta 不可变的约定。
func deref(d Delta) Delta {
	switch v := d.(type) {
	case *TextInsert:
		return *v
	case *TextDelete:
		return *v
	case *FieldSet:
		return *v
	default:
		return d
	}
}
