package mesh

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsService = "_docmesh._tcp"
	mdnsDomain  = "local."
)

// Discovery 在局域网内用 mDNS 注册本节点并发现同服务的其它节点。
// TXT 记录携带节点对外地址；发现结果直接并入注册表。
type Discovery struct {
	instance string
	baseURL  string
	port     int
	registry *PeerRegistry

	server *zeroconf.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDiscovery 创建 mDNS 发现器。instance 用节点 ID，保证局域网内唯一。
func NewDiscovery(instance, baseURL string, port int, registry *PeerRegistry) *Discovery {
	return &Discovery{
		instance: instance,
		baseURL:  baseURL,
		port:     port,
		registry: registry,
	}
}

// Start 注册服务并开始持续浏览，直到 Stop。
func (d *Discovery) Start(ctx context.Context) error {
	server, err := zeroconf.Register(
		d.instance,
		mdnsService,
		mdnsDomain,
		d.port,
		[]string{"base=" + d.baseURL},
		nil,
	)
	if err != nil {
		return fmt.Errorf("注册 mDNS 服务失败: %w", err)
	}
	d.server = server

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return fmt.Errorf("初始化 mDNS 解析器失败: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	entries := make(chan *zeroconf.ServiceEntry)
	d.wg.Add(1)
	go d.consume(entries)

	if err := resolver.Browse(runCtx, mdnsService, mdnsDomain, entries); err != nil {
		cancel()
		server.Shutdown()
		d.wg.Wait()
		return fmt.Errorf("浏览 mDNS 服务失败: %w", err)
	}

	log.Printf("[Discovery] mdns active: instance=%s, port=%d", d.instance, d.port)
	return nil
}

// 浏览结束时 zeroconf 会关闭 entries。
func (d *Discovery) consume(entries <-chan *zeroconf.ServiceEntry) {
	defer d.wg.Done()
	for entry := range entries {
		if entry.Instance == d.instance {
			continue
		}
		base := txtValue(entry.Text, "base")
		if base == "" {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			base = fmt.Sprintf("http://%s:%d", entry.AddrIPv4[0], entry.Port)
		}
		if d.registry.AddPeer(base) {
			log.Printf("[Discovery] found peer: %s (%s)", entry.Instance, base)
		}
	}
}

func txtValue(txt []string, key string) string {
	prefix := key + "="
	for _, kv := range txt {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix)
		}
	}
	return ""
}

// Stop 注销服务并停止浏览。
func (d *Discovery) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.server != nil {
		d.server.Shutdown()
	}
	d.wg.Wait()
}
