package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loykin/devsession/internal/builder"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	APIURL   string // e.g. https://api.example.com
	Account  string
	Token    string
	Registry string // image registry host; images are pushed as {Registry}/{Account}/{service}
	Pusher   builder.Pusher
	Client   *http.Client
	// TLS applies to the default HTTP client and to stream dialing.
	TLS    *tls.Config
	Logger *slog.Logger
}

// HTTPClient talks to the control plane over REST and streams status and logs
// over WebSockets.
type HTTPClient struct {
	base     *url.URL
	account  string
	token    string
	registry string
	pusher   builder.Pusher
	http     *http.Client
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(cfg.APIURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url %q must be http or https", cfg.APIURL)
	}
	hc := cfg.Client
	if hc == nil {
		// no client-wide timeout; calls are bounded by their ctx
		hc = &http.Client{}
		if cfg.TLS != nil {
			tr := http.DefaultTransport.(*http.Transport).Clone()
			tr.TLSClientConfig = cfg.TLS
			hc.Transport = tr
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		base:     u,
		account:  cfg.Account,
		token:    cfg.Token,
		registry: cfg.Registry,
		pusher:   cfg.Pusher,
		http:     hc,
		dialer:   &websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment, TLSClientConfig: cfg.TLS},
		logger:   logger.With("component", "remote"),
	}, nil
}

// ImageRef returns the registry reference service images are pushed under.
func (c *HTTPClient) ImageRef(service string) string {
	return fmt.Sprintf("%s/%s/%s", c.registry, c.account, service)
}

func (c *HTTPClient) Push(ctx context.Context, service, imageID string) error {
	if c.pusher == nil {
		return ErrNoPusher
	}
	return c.pusher.Push(ctx, imageID, c.ImageRef(service), builder.RegistryAuth{
		Username:      c.account,
		Password:      c.token,
		ServerAddress: c.registry,
	})
}

func (c *HTTPClient) Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error) {
	path := fmt.Sprintf("/user/%s/service/%s/spawn", url.PathEscape(c.account), url.PathEscape(req.Service))
	var res SpawnResult
	if err := c.do(ctx, "spawn", http.MethodPost, path, req, &res); err != nil {
		return SpawnResult{}, err
	}
	if res.Name == "" {
		return SpawnResult{}, fmt.Errorf("spawn: control plane returned no backend name")
	}
	return res, nil
}

func (c *HTTPClient) Terminate(ctx context.Context, name string) error {
	return c.do(ctx, "terminate", http.MethodPost, "/backend/"+url.PathEscape(name)+"/terminate", nil, nil)
}

func (c *HTTPClient) StreamStatus(ctx context.Context, name string, onUpdate func(StatusEvent)) (*Stream, error) {
	conn, err := c.dial(ctx, "/backend/"+url.PathEscape(name)+"/status/stream")
	if err != nil {
		return nil, fmt.Errorf("status stream %s: %w", name, err)
	}
	return c.pump(ctx, conn, name+" status", func(msg []byte) {
		var ev StatusEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			c.logger.Warn("failed to parse status update", "backend", name, "error", err)
			return
		}
		onUpdate(ev)
	}), nil
}

func (c *HTTPClient) StreamLogs(ctx context.Context, name string, onLine func(string)) (*Stream, error) {
	conn, err := c.dial(ctx, "/backend/"+url.PathEscape(name)+"/logs/stream")
	if err != nil {
		return nil, fmt.Errorf("log stream %s: %w", name, err)
	}
	return c.pump(ctx, conn, name+" logs", func(msg []byte) {
		for _, line := range strings.Split(strings.TrimRight(string(msg), "\n"), "\n") {
			onLine(line)
		}
	}), nil
}

func (c *HTTPClient) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	conn, _, err := c.dialer.DialContext(ctx, u.String(), c.headers())
	return conn, err
}

// pump reads messages from conn until the remote closes it or the stream is closed.
func (c *HTTPClient) pump(ctx context.Context, conn *websocket.Conn, label string, handle func([]byte)) *Stream {
	return NewStream(ctx, func(ctx context.Context) {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
			case <-stop:
			}
		}()
		defer func() { _ = conn.Close() }()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Debug("stream ended", "stream", label, "error", err)
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			handle(msg)
		}
	})
}

func (c *HTTPClient) headers() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for k, v := range c.headers() {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
