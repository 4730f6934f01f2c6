package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/docmesh/docmesh/pkg/crdt"
	"github.com/docmesh/docmesh/pkg/mesh"
	"github.com/docmesh/docmesh/pkg/store"
	dsync "github.com/docmesh/docmesh/pkg/sync"
)

// 两个进程内节点通过本机 HTTP 互相同步，演示文本与记录文档的收敛。
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

type node struct {
	name    string
	base    string
	kv      store.Store
	engine  *dsync.Engine
	server  *mesh.Server
	dataDir string
}

func newNode(name string, port int) (*node, error) {
	dataDir := fmt.Sprintf("./tmp/docmesh_demo_%s", name)
	os.RemoveAll(dataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}

	kv, err := store.NewBadgerStore(dataDir)
	if err != nil {
		return nil, err
	}

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	registry, err := mesh.NewPeerRegistry(base, store.NewDeltaLog(kv))
	if err != nil {
		kv.Close()
		return nil, err
	}

	engine, err := dsync.NewEngine(kv, registry, mesh.NewHTTPTransport(5*time.Second), dsync.Config{
		NodeID:  "node-" + name,
		BaseURL: base,
	})
	if err != nil {
		kv.Close()
		return nil, err
	}

	server := mesh.NewServer(engine, registry, nil, nil, fmt.Sprintf("127.0.0.1:%d", port))
	if err := server.Start(); err != nil {
		engine.Stop()
		kv.Close()
		return nil, err
	}

	return &node{name: name, base: base, kv: kv, engine: engine, server: server, dataDir: dataDir}, nil
}

func (n *node) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	n.server.Shutdown(ctx)
	n.engine.Stop()
	n.kv.Close()
	os.RemoveAll(n.dataDir)
}

func typeText(coord *dsync.Coordinator, text string) error {
	anchor := crdt.Root
	for _, r := range text {
		ins, _, err := coord.InsertText(anchor, r)
		if err != nil {
			return err
		}
		anchor = ins.ID
	}
	return nil
}

func run() error {
	fmt.Println("=== docmesh 双节点收敛示例 ===")

	alpha, err := newNode("alpha", 8481)
	if err != nil {
		return err
	}
	defer alpha.close()

	beta, err := newNode("beta", 8482)
	if err != nil {
		return err
	}
	defer beta.close()

	ctx := context.Background()

	// 1. 两边离线各写一段文本
	docA, err := alpha.engine.CreateDoc("notes", crdt.DocText)
	if err != nil {
		return err
	}
	if err := typeText(docA, "Hi"); err != nil {
		return err
	}

	docB, err := beta.engine.CreateDoc("notes", crdt.DocText)
	if err != nil {
		return err
	}
	if err := typeText(docB, "Ho"); err != nil {
		return err
	}

	fmt.Printf("同步前  %s: %q\n", alpha.name, docA.Content())
	fmt.Printf("同步前  %s: %q\n", beta.name, docB.Content())

	// 2. 建立互相认识的 mesh，再各跑一轮同步
	announceEachOther(alpha, beta)

	alpha.engine.SyncAll(ctx)
	beta.engine.SyncAll(ctx)
	alpha.engine.SyncAll(ctx)

	fmt.Printf("同步后  %s: %q\n", alpha.name, docA.Content())
	fmt.Printf("同步后  %s: %q\n", beta.name, docB.Content())

	// 3. 字段文档：两边写不同字段，合并后互见
	metaA, err := alpha.engine.CreateDoc("meta", crdt.DocRecord)
	if err != nil {
		return err
	}
	if _, err := metaA.SetField("title", "演示文档"); err != nil {
		return err
	}

	beta.engine.SyncAll(ctx)
	metaB, err := beta.engine.Doc("meta")
	if err != nil {
		return err
	}
	if _, err := metaB.SetField("owner", "beta"); err != nil {
		return err
	}

	alpha.engine.SyncAll(ctx)
	beta.engine.SyncAll(ctx)
	alpha.engine.SyncAll(ctx)

	fmt.Printf("记录文档 %s: %v\n", alpha.name, metaA.Content())
	fmt.Printf("记录文档 %s: %v\n", beta.name, metaB.Content())

	fmt.Println("完成")
	return nil
}

func announceEachOther(a, b *node) {
	// 经由 HTTP announce 接口互相注册，走与生产一致的路径
	transport := mesh.NewHTTPTransport(5 * time.Second)
	ctx := context.Background()
	if err := transport.Announce(ctx, b.base, a.base, nil); err != nil {
		fmt.Printf("announce %s -> %s 失败: %v\n", a.name, b.name, err)
	}
	if err := transport.Announce(ctx, a.base, b.base, nil); err != nil {
		fmt.Printf("announce %s -> %s 失败: %v\n", b.name, a.name, err)
	}
}
