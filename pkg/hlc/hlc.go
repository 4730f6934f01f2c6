package hlc

import (
	"sync"
	"time"
)

// 打包格式：高 48 位为物理时间（毫秒，Unix Epoch 起），低 16 位为逻辑计数。
const (
	logicalBits = 16
	logicalMask = int64(1)<<logicalBits - 1
)

func pack(phys, logical int64) int64 {
	return phys<<logicalBits | logical
}

func unpack(ts int64) (phys, logical int64) {
	return ts >> logicalBits, ts & logicalMask
}

// Clock 是混合逻辑时钟。
// 它产生严格单调递增的时间戳；收到远程时间戳时通过 Update 保持因果关系。
// 每个节点持有一个实例，为所有字段写入盖章。
type Clock struct {
	mu     sync.Mutex
	latest int64 // 已知的最大时间戳 (packed)
}

// New 创建一个新时钟。
func New() *Clock {
	return &Clock{}
}

// Now 返回下一个本地事件的时间戳。
// 返回值严格大于此前任何 Now 或 Update 见过的值。
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := time.Now().UnixMilli()
	oldPhys, oldLogical := unpack(c.latest)

	newPhys, newLogical := phys, int64(0)
	if phys <= oldPhys {
		// 物理时间停滞或回拨：推进逻辑计数
		newPhys, newLogical = oldPhys, oldLogical+1
	}
	// 逻辑计数溢出时向物理位进位
	if newLogical > logicalMask {
		newPhys++
		newLogical = 0
	}

	c.latest = pack(newPhys, newLogical)
	return c.latest
}

// Update 用远程时间戳推进本地时钟。收到任何带时间戳的远程数据时调用。
func (c *Clock) Update(remote int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := time.Now().UnixMilli()
	remotePhys, remoteLogical := unpack(remote)
	oldPhys, oldLogical := unpack(c.latest)

	newPhys := oldPhys
	if remotePhys > newPhys {
		newPhys = remotePhys
	}
	if phys > newPhys {
		newPhys = phys
	}

	var newLogical int64
	switch {
	case newPhys == oldPhys && newPhys == remotePhys:
		if oldLogical > remoteLogical {
			newLogical = oldLogical + 1
		} else {
			newLogical = remoteLogical + 1
		}
	case newPhys == oldPhys:
		newLogical = oldLogical + 1
	case newPhys == remotePhys:
		newLogical = remoteLogical + 1
	default:
		newLogical = 0
	}

	if newLogical > logicalMask {
		newPhys++
		newLogical = 0
	}

	c.latest = pack(newPhys, newLogical)
}

// Latest 返回当前已知的最大时间戳，不推进时钟。
func (c *Clock) Latest() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Physical 返回时间戳的物理部分（Unix 毫秒）。
func Physical(ts int64) int64 {
	phys, _ := unpack(ts)
	return phys
}

// Logical 返回时间戳的逻辑部分。
func Logical(ts int64) int64 {
	_, logical := unpack(ts)
	return logical
}

// Compare 比较两个时间戳：a > b 返回 1，相等返回 0，a < b 返回 -1。
func Compare(a, b int64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

// IsStale 判断 remote 的物理时间是否比 local 落后超过 maxDiffMs 毫秒。
// 仅用于漂移告警，不作为合并依据。
func IsStale(remote, local, maxDiffMs int64) bool {
	return Physical(local)-Physical(remote) > maxDiffMs
}
