package mesh

import (
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docmesh/docmesh/pkg/store"
)

// PeerRegistry 维护本节点已知的 peer 地址集合，按规范化后的 base URL 去重。
// 指向自身的地址永远不会入表。挂上 DeltaLog 后记录跨重启保留。
type PeerRegistry struct {
	mu    sync.RWMutex
	self  string
	logs  *store.DeltaLog
	peers map[string]store.PeerRecord
}

// NewPeerRegistry 创建注册表。self 是本节点对外地址，可以为空（纯客户端节点）。
// logs 为 nil 时注册表只存在于内存。
func NewPeerRegistry(self string, logs *store.DeltaLog) (*PeerRegistry, error) {
	normalizedSelf := ""
	if self != "" {
		norm, err := NormalizeBaseURL(self)
		if err != nil {
			return nil, fmt.Errorf("本节点地址无效: %w", err)
		}
		normalizedSelf = norm
	}

	r := &PeerRegistry{
		self:  normalizedSelf,
		logs:  logs,
		peers: make(map[string]store.PeerRecord),
	}

	if logs != nil {
		records, err := logs.LoadPeers()
		if err != nil {
			return nil, fmt.Errorf("恢复 peer 记录失败: %w", err)
		}
		for _, rec := range records {
			norm, err := NormalizeBaseURL(rec.URL)
			if err != nil || norm == normalizedSelf {
				continue
			}
			rec.URL = norm
			r.peers[norm] = rec
		}
		if len(r.peers) > 0 {
			log.Printf("[Registry] restored %d peers", len(r.peers))
		}
	}
	return r, nil
}

// NormalizeBaseURL 把 peer 地址规范成可比较的形式：
// 协议必须是 http 或 https，主机非空；末尾斜杠、查询串和片段全部去掉。
func NormalizeBaseURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty base url")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse %q: %v", trimmed, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q in %q", u.Scheme, trimmed)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", trimmed)
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

// AddPeer 记录一个新 peer，返回是否确实新增。
// 无效地址、已知地址和指向自身的地址都返回 false。
func (r *PeerRegistry) AddPeer(raw string) bool {
	norm, err := NormalizeBaseURL(raw)
	if err != nil {
		log.Printf("[Registry] reject peer url %q: %v", raw, err)
		return false
	}
	if norm == r.self {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[norm]; ok {
		return false
	}
	now := time.Now().UnixMilli()
	rec := store.PeerRecord{URL: norm, AddedAt: now, LastSeen: now}
	r.peers[norm] = rec
	r.persist(rec)
	return true
}

// MergeAnnouncement 合并一次 announce：宣告方自己入表，再并入它报告的 peer。
// 重复宣告是幂等的。返回这次新增的条数。
func (r *PeerRegistry) MergeAnnouncement(announcer string, reported []string) (int, error) {
	norm, err := NormalizeBaseURL(announcer)
	if err != nil {
		return 0, fmt.Errorf("announcer %q: %w", announcer, ErrBadAnnounce)
	}

	added := 0
	if r.AddPeer(norm) {
		added++
	}
	r.Touch(norm)
	for _, peer := range reported {
		if r.AddPeer(peer) {
			added++
		}
	}
	return added, nil
}

// Touch 更新 peer 的最近可达时间。未知地址是 no-op。
func (r *PeerRegistry) Touch(raw string) {
	norm, err := NormalizeBaseURL(raw)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[norm]
	if !ok {
		return
	}
	rec.LastSeen = time.Now().UnixMilli()
	r.peers[norm] = rec
	r.persist(rec)
}

// Remove 删除一个 peer。
func (r *PeerRegistry) Remove(raw string) {
	norm, err := NormalizeBaseURL(raw)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[norm]; !ok {
		return
	}
	delete(r.peers, norm)
	if r.logs != nil {
		if err := r.logs.RemovePeer(norm); err != nil {
			log.Printf("[Registry] remove peer %s failed: %v", norm, err)
		}
	}
}

// List 返回全部已知 peer 地址，排序去重。
func (r *PeerRegistry) List() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.peers))
	for peer := range r.peers {
		out = append(out, peer)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len 返回已知 peer 数量。
func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// 调用方持有写锁。
func (r *PeerRegistry) persist(rec store.PeerRecord) {
	if r.logs == nil {
		return
	}
	if err := r.logs.SavePeer(rec); err != nil {
		log.Printf("[Registry] persist peer %s failed: %v", rec.URL, err)
	}
}
