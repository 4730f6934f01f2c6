package mesh

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/docmesh/docmesh/pkg/sync"
)

// Feed 把引擎的变更事件广播给全部 WebSocket 订阅者。
// 订阅者只收不发，慢订阅者的连接直接断开，不阻塞其余广播。
type Feed struct {
	source     <-chan sync.ChangeEvent
	upgrader   websocket.Upgrader
	register   chan *feedClient
	unregister chan *feedClient
	clients    map[*feedClient]bool
	quit       chan struct{}
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewFeed 创建变更广播器。source 通常是 Engine.Changes()。
func NewFeed(source <-chan sync.ChangeEvent) *Feed {
	return &Feed{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		clients:    make(map[*feedClient]bool),
		quit:       make(chan struct{}),
	}
}

// Run 消费变更事件并广播，直到 ctx 结束。必须在接受订阅前启动。
func (f *Feed) Run(ctx context.Context) {
	defer func() {
		close(f.quit)
		for client := range f.clients {
			close(client.send)
			delete(f.clients, client)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-f.register:
			f.clients[client] = true
			log.Printf("[Feed] subscriber joined: total=%d", len(f.clients))
		case client := <-f.unregister:
			if _, ok := f.clients[client]; ok {
				delete(f.clients, client)
				close(client.send)
				log.Printf("[Feed] subscriber left: total=%d", len(f.clients))
			}
		case ev, ok := <-f.source:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			for client := range f.clients {
				select {
				case client.send <- payload:
				default:
					// 发不进去说明订阅者已经落后太多
					delete(f.clients, client)
					close(client.send)
				}
			}
		}
	}
}

// ServeHTTP 升级连接并注册一个新订阅者。
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Feed] upgrade failed: %v", err)
		return
	}
	client := &feedClient{conn: conn, send: make(chan []byte, 16)}
	select {
	case f.register <- client:
	case <-f.quit:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump(f)
}

// readPump 只为感知连接关闭，订阅者发来的数据全部丢弃。
func (c *feedClient) readPump(f *Feed) {
	defer c.conn.Close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case f.unregister <- c:
	case <-f.quit:
	}
}

func (c *feedClient) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
