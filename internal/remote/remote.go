// Package remote is the boundary to the control plane that hosts backends.
package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loykin/devsession/internal/backend"
)

// Client is the subset of the control-plane API a session consumes.
type Client interface {
	Push(ctx context.Context, service, imageID string) error
	Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error)
	Terminate(ctx context.Context, name string) error
	StreamStatus(ctx context.Context, name string, onUpdate func(StatusEvent)) (*Stream, error)
	StreamLogs(ctx context.Context, name string, onLine func(string)) (*Stream, error)
}

// SpawnRequest carries caller parameters through to the control plane unchanged.
type SpawnRequest struct {
	Service            string            `json:"-"`
	Env                map[string]string `json:"env,omitempty"`
	GracePeriodSeconds *int              `json:"grace_period_seconds,omitempty"`
	Port               *int              `json:"port,omitempty"`
	Tag                string            `json:"tag,omitempty"`
	RequireBearerToken bool              `json:"require_bearer_token,omitempty"`
	Lock               string            `json:"lock,omitempty"`
}

// SpawnResult is the control plane's answer to a spawn. Spawned is false when
// an existing instance holding the requested lock was returned instead.
// Fields the session does not interpret are kept in Extra and echoed back.
type SpawnResult struct {
	Name        string `json:"name"`
	Spawned     bool   `json:"spawned"`
	URL         string `json:"url,omitempty"`
	StatusURL   string `json:"status_url,omitempty"`
	ReadyURL    string `json:"ready_url,omitempty"`
	BearerToken string `json:"bearer_token,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var knownResultFields = []string{"name", "spawned", "url", "status_url", "ready_url", "bearer_token"}

func (r *SpawnResult) UnmarshalJSON(b []byte) error {
	type plain SpawnResult
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for _, k := range knownResultFields {
		delete(all, k)
	}
	if len(all) > 0 {
		p.Extra = all
	}
	*r = SpawnResult(p)
	return nil
}

func (r SpawnResult) MarshalJSON() ([]byte, error) {
	type plain SpawnResult
	b, err := json.Marshal(plain(r))
	if err != nil || len(r.Extra) == 0 {
		return b, err
	}
	merged := make(map[string]json.RawMessage, len(r.Extra)+len(knownResultFields))
	for k, v := range r.Extra {
		merged[k] = v
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(b, &known); err != nil {
		return nil, err
	}
	for k, v := range known {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// StatusEvent is one discrete state transition of a backend.
type StatusEvent struct {
	State backend.Status `json:"state"`
	Time  time.Time      `json:"time"`
}
