package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client talks to one Asterisk instance over REST and its event
// websocket. Authentication uses the api_key query parameter as ARI
// expects.
type Client struct {
	baseURL  string
	username string
	password string
	app      string
	// http covers control calls; recClient covers stored recording
	// downloads, which move whole audio files and run off the event
	// path.
	http      *http.Client
	recClient *http.Client
	logger    *slog.Logger
}

// Config carries the ARI connection settings.
type Config struct {
	BaseURL  string
	Username string
	Password string
	App      string
}

// NewClient creates an ARI client.
func NewClient(log *slog.Logger, cfg Config) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		username:  cfg.Username,
		password:  cfg.Password,
		app:       cfg.App,
		http:      &http.Client{Timeout: 5 * time.Second},
		recClient: &http.Client{Timeout: 60 * time.Second},
		logger:    log.With(slog.String("service", "ari")),
	}
}

// App returns the Stasis application name.
func (c *Client) App() string {
	return c.app
}

func (c *Client) apiKey() string {
	return c.username + ":" + c.password
}

func (c *Client) restURL(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", c.apiKey())
	return c.baseURL + path + "?" + query.Encode()
}

// EventConn is one open websocket event stream.
type EventConn struct {
	conn *websocket.Conn
}

// Close tears the stream down.
func (e *EventConn) Close() error {
	return e.conn.Close()
}

// Next blocks for the next event. Decode failures are skipped so one
// unknown frame cannot kill the stream.
func (e *EventConn) Next(ctx context.Context) (Event, error) {
	for {
		if deadline, ok := ctx.Deadline(); ok {
			_ = e.conn.SetReadDeadline(deadline)
		}
		_, raw, err := e.conn.ReadMessage()
		if err != nil {
			return Event{}, err
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		return ev, nil
	}
}

// Connect opens the ARI event websocket for the configured application.
func (c *Client) Connect(ctx context.Context) (*EventConn, error) {
	wsURL := c.baseURL
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	query := url.Values{}
	query.Set("app", c.app)
	query.Set("api_key", c.apiKey())
	query.Set("subscribeAll", "false")

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL+"/events?"+query.Encode(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial ari events: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial ari events: %w", err)
	}
	c.logger.Info("ari event stream connected", slog.String("app", c.app))
	return &EventConn{conn: conn}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	return c.doWith(ctx, c.http, method, path, query)
}

func (c *Client) doWith(ctx context.Context, client *http.Client, method, path string, query url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.restURL(path, query), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// ErrNotFound is returned for missing ARI resources.
var ErrNotFound = fmt.Errorf("ari resource not found")

// Answer picks up a channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	_, err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil)
	return err
}

// Hangup terminates a channel.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil)
	return err
}

// Originate places an outbound call into the application and returns the
// new channel id.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) (string, error) {
	query := url.Values{}
	query.Set("endpoint", req.Endpoint)
	query.Set("app", c.app)
	if req.CallerID != "" {
		query.Set("callerId", req.CallerID)
	}
	if req.Timeout > 0 {
		query.Set("timeout", fmt.Sprintf("%d", req.Timeout))
	}
	for k, v := range req.Variables {
		query.Set("variables["+k+"]", v)
	}
	body, err := c.do(ctx, http.MethodPost, "/channels", query)
	if err != nil {
		return "", err
	}
	var ch Channel
	if err := json.Unmarshal(body, &ch); err != nil {
		return "", fmt.Errorf("decode originate response: %w", err)
	}
	return ch.ID, nil
}

// StartRecording begins recording a channel into the given name.
func (c *Client) StartRecording(ctx context.Context, channelID, name string) error {
	query := url.Values{}
	query.Set("name", name)
	query.Set("format", "wav")
	query.Set("ifExists", "overwrite")
	_, err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/record", query)
	return err
}

// StoredRecording fetches a finished recording's audio. ErrNotFound means
// Asterisk has not flushed it yet, which callers treat as retryable.
func (c *Client) StoredRecording(ctx context.Context, name string) ([]byte, error) {
	return c.doWith(ctx, c.recClient, http.MethodGet, "/recordings/stored/"+url.PathEscape(name)+"/file", nil)
}

// DeleteStoredRecording removes the recording from Asterisk after it has
// been copied into media storage.
func (c *Client) DeleteStoredRecording(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodDelete, "/recordings/stored/"+url.PathEscape(name), nil)
	return err
}
