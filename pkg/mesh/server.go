package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/docmesh/docmesh/pkg/crdt"
	"github.com/docmesh/docmesh/pkg/store"
	"github.com/docmesh/docmesh/pkg/sync"
)

const (
	maxAnnounceBody = 1 << 20
	maxPushBody     = 16 << 20
)

// Server 对 peer 与 UI 暴露 mesh HTTP 边界。
type Server struct {
	engine   *sync.Engine
	registry *PeerRegistry
	vault    *FileVault
	feed     *Feed

	router     *mux.Router
	httpSrv    *http.Server
	feedCancel context.CancelFunc
}

// NewServer 组装路由。vault 和 feed 都可以为 nil：
// 没有 vault 时 /file 一律 404，没有 feed 时不挂 /ws。
func NewServer(engine *sync.Engine, registry *PeerRegistry, vault *FileVault, feed *Feed, addr string) *Server {
	s := &Server{
		engine:   engine,
		registry: registry,
		vault:    vault,
		feed:     feed,
	}

	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	r.HandleFunc("/announce", s.handleAnnounce).Methods(http.MethodPost)
	r.HandleFunc("/deliverables", s.handleDeliverables).Methods(http.MethodGet)
	r.HandleFunc("/file", s.handleFile).Methods(http.MethodGet)
	r.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	r.HandleFunc("/deltas", s.handleDeltasGet).Methods(http.MethodGet)
	r.HandleFunc("/deltas", s.handleDeltasPost).Methods(http.MethodPost)
	if feed != nil {
		r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	}
	s.router = r
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router 暴露路由器，测试用 httptest 直接挂。
func (s *Server) Router() *mux.Router { return s.router }

// Start 开始监听。绑定失败同步返回，服务本身在后台运行。
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.feedCancel = cancel
	if s.feed != nil {
		go s.feed.Run(ctx)
	}

	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		cancel()
		return fmt.Errorf("监听 %s 失败: %w", s.httpSrv.Addr, err)
	}
	log.Printf("[Mesh] listening on %s", ln.Addr())

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[Mesh] server stopped: %v", err)
		}
	}()
	return nil
}

// Shutdown 停止服务并结束 feed 广播协程。
func (s *Server) Shutdown(ctx context.Context) error {
	if s.feedCancel != nil {
		s.feedCancel()
	}
	return s.httpSrv.Shutdown(ctx)
}

type statusPayload struct {
	NodeID    string    `json:"node_id"`
	BaseURL   string    `json:"base_url"`
	PeerCount int       `json:"peer_count"`
	LastSync  time.Time `json:"last_sync"`
}

type peersPayload struct {
	NodeID  string   `json:"node_id"`
	BaseURL string   `json:"base_url"`
	Peers   []string `json:"peers"`
}

type announceRequest struct {
	BaseURL string   `json:"base_url"`
	Peers   []string `json:"peers,omitempty"`
}

type deliverablesPayload struct {
	Count int           `json:"count"`
	Items []Deliverable `json:"items"`
}

type syncPayload struct {
	OK       bool      `json:"ok"`
	LastSync time.Time `json:"last_sync"`
	Peers    []string  `json:"peers"`
}

type deltasPage struct {
	DocID   string        `json:"doc_id"`
	Kind    crdt.DocKind  `json:"kind"`
	Count   int           `json:"count"`
	Entries []store.Entry `json:"entries"`
}

type pushRequest struct {
	DocID   string        `json:"doc_id"`
	Kind    crdt.DocKind  `json:"kind"`
	Origin  string        `json:"origin"`
	Entries []store.Entry `json:"entries"`
}

type pushReply struct {
	Applied  int `json:"applied"`
	Rejected int `json:"rejected"`
}

func (s *Server) status() statusPayload {
	return statusPayload{
		NodeID:    s.engine.NodeID(),
		BaseURL:   s.engine.BaseURL(),
		PeerCount: s.registry.Len(),
		LastSync:  s.engine.LastSync(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.registry.List()
	if peers == nil {
		peers = []string{}
	}
	writeJSON(w, http.StatusOK, peersPayload{
		NodeID:  s.engine.NodeID(),
		BaseURL: s.engine.BaseURL(),
		Peers:   peers,
	})
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req announceRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAnnounceBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed announce payload")
		return
	}
	if strings.TrimSpace(req.BaseURL) == "" {
		writeError(w, http.StatusBadRequest, "base_url is required")
		return
	}
	added, err := s.registry.MergeAnnouncement(req.BaseURL, req.Peers)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid base_url")
		return
	}
	if added > 0 {
		log.Printf("[Mesh] announce from %s added %d peers", req.BaseURL, added)
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleDeliverables(w http.ResponseWriter, r *http.Request) {
	items := docDeliverables(s.engine)
	if s.vault != nil {
		items = append(items, s.vault.List()...)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	writeJSON(w, http.StatusOK, deliverablesPayload{Count: len(items), Items: items})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		notFound(w)
		return
	}
	f, meta, err := s.vault.Open(r.URL.Query().Get("rel"))
	if err != nil {
		notFound(w)
		return
	}
	defer f.Close()

	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	if _, err := io.Copy(w, f); err != nil {
		log.Printf("[Mesh] send file %s interrupted: %v", meta.ID, err)
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	results := s.engine.SyncAll(r.Context())
	ok := true
	for _, result := range results {
		if len(result.Errors) > 0 {
			ok = false
		}
	}
	peers := s.registry.List()
	if peers == nil {
		peers = []string{}
	}
	writeJSON(w, http.StatusOK, syncPayload{
		OK:       ok,
		LastSync: s.engine.LastSync(),
		Peers:    peers,
	})
}

func (s *Server) handleDeltasGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	docID := q.Get("doc")
	if docID == "" {
		writeError(w, http.StatusBadRequest, "doc is required")
		return
	}
	coord, err := s.engine.Doc(docID)
	if err != nil {
		notFound(w)
		return
	}

	var after uint64
	if raw := q.Get("after"); raw != "" {
		after, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
	}
	var limit int
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}

	entries, err := s.engine.Log().EntriesSince(docID, after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read log failed")
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	writeJSON(w, http.StatusOK, deltasPage{
		DocID:   docID,
		Kind:    coord.Kind(),
		Count:   len(entries),
		Entries: entries,
	})
}

func (s *Server) handleDeltasPost(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPushBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed push payload")
		return
	}
	if req.DocID == "" || strings.TrimSpace(req.Origin) == "" {
		writeError(w, http.StatusBadRequest, "doc_id and origin are required")
		return
	}

	applied, rejected, err := s.engine.ReceiveEntries(req.Origin, req.DocID, req.Kind, req.Entries)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrKindConflict):
			writeError(w, http.StatusConflict, "document kind conflict")
		case errors.Is(err, sync.ErrInvalidDocID), errors.Is(err, crdt.ErrUnknownDocKind):
			writeError(w, http.StatusBadRequest, "invalid document")
		default:
			writeError(w, http.StatusInternalServerError, "merge failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, pushReply{Applied: applied, Rejected: rejected})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.feed.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[Mesh] write response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// 文件、文档找不到和越界路径共用同一个应答，不泄露差别。
func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
