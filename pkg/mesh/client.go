package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/docmesh/docmesh/pkg/crdt"
	"github.com/docmesh/docmesh/pkg/store"
	"github.com/docmesh/docmesh/pkg/sync"
)

const transportMaxRetries = 3

// HTTPTransport 通过 mesh HTTP 边界访问 peer，实现 sync.Transport。
// announce 和 push 带指数退避重试；接收端合并是幂等的，重发安全。
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport 创建 HTTP 传输层。timeout 不填时用引擎默认值。
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = sync.DefaultConfig().HTTPTimeout
	}
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

var _ sync.Transport = (*HTTPTransport)(nil)

// FetchEntries 拉取 peer 上一个文档序号大于 after 的记录。
// peer 没有这个文档时返回空集，不算错误。
func (t *HTTPTransport) FetchEntries(ctx context.Context, peerURL, docID string, after uint64, limit int) ([]store.Entry, error) {
	query := url.Values{}
	query.Set("doc", docID)
	query.Set("after", strconv.FormatUint(after, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var page deltasPage
	err := t.getJSON(ctx, peerURL+"/deltas?"+query.Encode(), &page)
	if isStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return page.Entries, nil
}

// PushEntries 把本地记录推送给 peer。
func (t *HTTPTransport) PushEntries(ctx context.Context, peerURL, origin, docID string, kind crdt.DocKind, entries []store.Entry) error {
	body := pushRequest{
		DocID:   docID,
		Kind:    kind,
		Origin:  origin,
		Entries: entries,
	}
	operation := func() error {
		var reply pushReply
		err := t.postJSON(ctx, peerURL+"/deltas", body, &reply)
		if err != nil {
			if isClientError(err) {
				// 4xx 重试不会变好
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	return backoff.Retry(operation, t.retryPolicy(ctx))
}

// FetchDocs 从 peer 的资产列表里筛出文档条目。
func (t *HTTPTransport) FetchDocs(ctx context.Context, peerURL string) ([]store.DocInfo, error) {
	var payload deliverablesPayload
	if err := t.getJSON(ctx, peerURL+"/deliverables", &payload); err != nil {
		return nil, err
	}
	var out []store.DocInfo
	for _, item := range payload.Items {
		kind := crdt.DocKind(item.Kind)
		if !kind.Valid() {
			continue
		}
		out = append(out, store.DocInfo{DocID: item.ID, Kind: kind})
	}
	return out, nil
}

// FetchPeers 读取 peer 当前知道的地址列表。
func (t *HTTPTransport) FetchPeers(ctx context.Context, peerURL string) ([]string, error) {
	var payload peersPayload
	if err := t.getJSON(ctx, peerURL+"/peers", &payload); err != nil {
		return nil, err
	}
	return payload.Peers, nil
}

// Announce 向 peer 介绍本节点与已知地址。
func (t *HTTPTransport) Announce(ctx context.Context, peerURL, selfURL string, known []string) error {
	body := announceRequest{BaseURL: selfURL, Peers: known}
	operation := func() error {
		err := t.postJSON(ctx, peerURL+"/announce", body, nil)
		if err != nil && isClientError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(operation, t.retryPolicy(ctx))
}

func (t *HTTPTransport) retryPolicy(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(policy, transportMaxRetries), ctx)
}

type httpStatusError struct {
	url  string
	code int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.url, e.code)
}

func isStatus(err error, code int) bool {
	statusErr, ok := err.(*httpStatusError)
	return ok && statusErr.code == code
}

func isClientError(err error) bool {
	statusErr, ok := err.(*httpStatusError)
	return ok && statusErr.code >= 400 && statusErr.code < 500
}

func (t *HTTPTransport) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return &httpStatusError{url: rawURL, code: resp.StatusCode}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (t *HTTPTransport) postJSON(ctx context.Context, rawURL string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return &httpStatusError{url: rawURL, code: resp.StatusCode}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
