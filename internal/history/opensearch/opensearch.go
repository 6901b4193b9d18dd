// Package opensearch indexes session history in OpenSearch or Elasticsearch
// through their REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/loykin/devsession/internal/history"
)

// mapping keeps identifiers exact so a session or backend can be filtered on.
const mapping = `{"mappings":{"properties":{
"type":{"type":"keyword"},
"occurred_at":{"type":"date"},
"session":{"type":"keyword"},
"backend":{"type":"keyword"},
"image_id":{"type":"keyword"},
"status":{"type":"keyword"},
"error":{"type":"text"}}}}`

// Sink writes one document per event. Document ids are {session}-{seq}, so a
// retried delivery of the same event is stored once.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
	seq     atomic.Uint64
}

// New returns a sink for index at baseURL. Requests are bounded by the
// caller's ctx.
func New(baseURL, index string) *Sink {
	return &Sink{client: &http.Client{}, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

// EnsureTable creates the index with the history mapping unless it exists.
func (s *Sink) EnsureTable(ctx context.Context) error {
	status, body, err := s.put(ctx, s.baseURL+"/"+s.index, []byte(mapping))
	if err != nil {
		return err
	}
	if status < 300 || (status == http.StatusBadRequest && strings.Contains(body, "resource_already_exists_exception")) {
		return nil
	}
	return fmt.Errorf("opensearch: create index %s: status %d: %s", s.index, status, body)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_create/%s", s.baseURL, s.index, s.docID(e))
	status, body, err := s.put(ctx, u, b)
	if err != nil {
		return err
	}
	if status < 300 || status == http.StatusConflict {
		return nil
	}
	return fmt.Errorf("opensearch: index event %s: status %d: %s", e.Type, status, body)
}

func (s *Sink) docID(e history.Event) string {
	session := e.Session
	if session == "" {
		session = "devsession"
	}
	return fmt.Sprintf("%s-%d", session, s.seq.Add(1))
}

func (s *Sink) put(ctx context.Context, u string, b []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}
