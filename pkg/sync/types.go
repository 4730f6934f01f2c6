package sync

import (
	"time"
)

// SyncState 表示单个文档同步协程的状态。
type SyncState int32

const (
	StateIdle    SyncState = iota // 空闲，可触发新一轮同步。
	StateSyncing                  // 同步进行中。
	StateError                    // 上一轮同步失败，待下一轮重试。
)

// String 返回可读状态字符串。
func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSyncing:
		return "Syncing"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Config 控制同步引擎参数。
type Config struct {
	NodeID           string        // 节点副本 ID，必须全网唯一。
	BaseURL          string        // 本节点对外可达地址，例如 http://10.0.0.2:8400。
	SyncInterval     time.Duration // 后台同步周期。
	AnnounceInterval time.Duration // 周期性向 peer 宣告自身的间隔。
	HTTPTimeout      time.Duration // 单次对端请求超时。
	PullBatchLimit   int           // 单次拉取的最大记录数，0 表示不限。
	QueueSize        int           // 变更通知队列容量。
}

// Option 用于修改 Config。
type Option func(*Config)

// WithSyncInterval 设置后台同步周期。
func WithSyncInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.SyncInterval = interval
	}
}

// WithAnnounceInterval 设置宣告间隔。
func WithAnnounceInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.AnnounceInterval = interval
	}
}

// WithHTTPTimeout 设置对端请求超时。
func WithHTTPTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.HTTPTimeout = timeout
	}
}

// WithPullBatchLimit 设置单次拉取上限。
func WithPullBatchLimit(limit int) Option {
	return func(c *Config) {
		c.PullBatchLimit = limit
	}
}

// WithQueueSize 设置变更通知队列容量。
func WithQueueSize(size int) Option {
	return func(c *Config) {
		c.QueueSize = size
	}
}

// DefaultConfig 返回默认引擎配置。
func DefaultConfig() Config {
	return Config{
		SyncInterval:     30 * time.Second,
		AnnounceInterval: 45 * time.Second,
		HTTPTimeout:      10 * time.Second,
		PullBatchLimit:   500,
		QueueSize:        256,
	}
}

// CycleResult 汇总一轮同步的执行结果。
type CycleResult struct {
	PeersContacted int     // 成功交互的 peer 数量。
	EntriesPulled  int     // 拉取到的记录数量。
	EntriesApplied int     // 成功合并的记录数量。
	EntriesPushed  int     // 推送出去的记录数量。
	EntriesAcked   uint64  // 本轮确认到的最高本地序号。
	RejectedCount  int     // 解码或合并被拒绝的记录数量。
	Errors         []error // 过程中的传输层错误。
}

// DocStatus 是单文档同步状态快照。
type DocStatus struct {
	DocID        string    `json:"doc_id"`
	Kind         string    `json:"kind"`
	State        string    `json:"state"`
	LastError    string    `json:"last_error,omitempty"`
	LastSyncAt   time.Time `json:"last_sync_at"`
	PendingCount int       `json:"pending_count"`
	LocalSeq     uint64    `json:"local_seq"`
}

// ChangeEvent 在文档内容变化时投递给变更订阅方。
type ChangeEvent struct {
	DocID  string `json:"doc_id"`
	Seq    uint64 `json:"seq,omitempty"` // 本地编辑对应的日志序号，远端合并时为 0。
	Origin string `json:"origin"`        // "local" 或来源 peer 地址。
}
