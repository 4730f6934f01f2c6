package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/docmesh/docmesh/pkg/mesh"
	"github.com/docmesh/docmesh/pkg/store"
	dsync "github.com/docmesh/docmesh/pkg/sync"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dataDir := flag.String("data", "./tmp/docmeshd", "数据目录")
	listenAddr := flag.String("listen", ":8400", "HTTP 监听地址")
	baseURL := flag.String("base", "", "对外可达地址，例如 http://10.0.0.2:8400（留空则由监听地址推导）")
	nodeID := flag.String("node", "", "节点 ID（留空则生成并持久化）")
	roots := flag.String("roots", "", "对外共享的文件根目录，逗号分隔（可选）")
	seeds := flag.String("seeds", "", "种子节点地址，逗号分隔（可选）")
	syncInterval := flag.Duration("sync-interval", 30*time.Second, "后台同步周期")
	announceInterval := flag.Duration("announce-interval", 45*time.Second, "周期性宣告间隔")
	httpTimeout := flag.Duration("http-timeout", 10*time.Second, "单次对端请求超时")
	enableMDNS := flag.Bool("mdns", false, "启用 mDNS 局域网发现")
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	kv, err := store.NewBadgerStore(*dataDir)
	if err != nil {
		return fmt.Errorf("打开存储失败: %w", err)
	}
	defer kv.Close()

	logs := store.NewDeltaLog(kv)

	id := strings.TrimSpace(*nodeID)
	if id == "" {
		id, err = logs.EnsureNodeID(uuid.NewString)
		if err != nil {
			return fmt.Errorf("读取节点 ID 失败: %w", err)
		}
	}

	base := strings.TrimSpace(*baseURL)
	if base == "" {
		base = deriveBaseURL(*listenAddr)
		fmt.Printf("未指定 -base，推导为 %s（跨机器部署请显式指定）\n", base)
	}

	registry, err := mesh.NewPeerRegistry(base, logs)
	if err != nil {
		return fmt.Errorf("初始化 peer 注册表失败: %w", err)
	}
	for _, seed := range splitList(*seeds) {
		if registry.AddPeer(seed) {
			fmt.Printf("已加入种子节点: %s\n", seed)
		}
	}

	transport := mesh.NewHTTPTransport(*httpTimeout)

	engine, err := dsync.NewEngine(kv, registry, transport, dsync.Config{
		NodeID:           id,
		BaseURL:          base,
		SyncInterval:     *syncInterval,
		AnnounceInterval: *announceInterval,
		HTTPTimeout:      *httpTimeout,
	})
	if err != nil {
		return fmt.Errorf("构建同步引擎失败: %w", err)
	}

	var vault *mesh.FileVault
	if rootList := splitList(*roots); len(rootList) > 0 {
		vault, err = mesh.NewFileVault(rootList...)
		if err != nil {
			return fmt.Errorf("初始化文件根目录失败: %w", err)
		}
	}

	feed := mesh.NewFeed(engine.Changes())
	server := mesh.NewServer(engine, registry, vault, feed, *listenAddr)

	if err := server.Start(); err != nil {
		engine.Stop()
		return fmt.Errorf("启动 HTTP 服务失败: %w", err)
	}

	if err := engine.Start(); err != nil {
		shutdownServer(server)
		return fmt.Errorf("启动同步引擎失败: %w", err)
	}

	var discovery *mesh.Discovery
	if *enableMDNS {
		discovery = startDiscovery(id, base, *listenAddr, registry)
	}

	printBanner(id, *listenAddr, base, *dataDir, vault, registry)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	fmt.Println("收到退出信号，正在关闭...")
	if discovery != nil {
		discovery.Stop()
	}
	shutdownServer(server)
	engine.Stop()
	return nil
}

func startDiscovery(nodeID, baseURL, listenAddr string, registry *mesh.PeerRegistry) *mesh.Discovery {
	port, err := listenPort(listenAddr)
	if err != nil {
		fmt.Printf("mDNS 未启用: %v\n", err)
		return nil
	}
	d := mesh.NewDiscovery(nodeID, baseURL, port, registry)
	if err := d.Start(context.Background()); err != nil {
		fmt.Printf("mDNS 启动失败（继续运行）: %v\n", err)
		return nil
	}
	return d
}

func shutdownServer(server *mesh.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		fmt.Printf("HTTP 关闭失败: %v\n", err)
	}
}

func printBanner(nodeID, listenAddr, baseURL, dataDir string, vault *mesh.FileVault, registry *mesh.PeerRegistry) {
	fmt.Println("==============================================")
	fmt.Println("  docmeshd 已启动")
	fmt.Printf("  节点 ID:   %s\n", shortID(nodeID))
	fmt.Printf("  监听地址:  %s\n", listenAddr)
	fmt.Printf("  对外地址:  %s\n", baseURL)
	fmt.Printf("  数据目录:  %s\n", dataDir)
	if vault != nil {
		fmt.Printf("  共享目录:  %s\n", strings.Join(vault.Roots(), ", "))
	}
	if peers := registry.List(); len(peers) > 0 {
		fmt.Printf("  已知节点:  %s\n", strings.Join(peers, ", "))
	}
	fmt.Println("==============================================")
	fmt.Println("Ctrl+C 退出")
}

// deriveBaseURL 把监听地址转成本机可访问的 HTTP 地址。
// 仅适合单机试用，跨机器部署必须显式传 -base。
func deriveBaseURL(listenAddr string) string {
	if strings.HasPrefix(listenAddr, ":") {
		return "http://127.0.0.1" + listenAddr
	}
	return "http://" + listenAddr
}

func listenPort(listenAddr string) (int, error) {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return 0, fmt.Errorf("解析监听地址 %s 失败: %w", listenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("监听端口无效: %w", err)
	}
	return port, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
