package telephony

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/uniboxhq/unibox/internal/channel"
	"github.com/uniboxhq/unibox/internal/telephony/ari"
)

// IntegrationSource lists the telephony integrations to keep connected.
// Credentials arrive decrypted.
type IntegrationSource interface {
	ListActiveByChannel(ctx context.Context, ch channel.ChannelType) ([]channel.Integration, error)
}

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// Manager keeps one ARI event stream open per telephony integration and
// feeds its events into the engine. Connections reconnect with backoff
// until the integration is removed or the manager stops.
type Manager struct {
	logger   *slog.Logger
	engine   *Engine
	source   IntegrationSource
	defaults ari.Config

	mu      sync.Mutex
	conns   map[string]*managedConn // by integration id
	stopped bool
}

type managedConn struct {
	accountID string
	client    *ari.Client
	cancel    context.CancelFunc
}

// NewManager creates the connection manager. defaults fills credential
// fields an integration leaves empty, which lets single-PBX deployments
// configure Asterisk once in the server config.
func NewManager(log *slog.Logger, engine *Engine, source IntegrationSource, defaults ari.Config) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		logger:   log.With(slog.String("service", "telephony_manager")),
		engine:   engine,
		source:   source,
		defaults: defaults,
		conns:    map[string]*managedConn{},
	}
}

// Start connects every active telephony integration.
func (m *Manager) Start(ctx context.Context) error {
	return m.Sync(ctx)
}

// Sync reconciles open connections with the integration table: new
// integrations are connected, removed ones are torn down.
func (m *Manager) Sync(ctx context.Context) error {
	integrations, err := m.source.ListActiveByChannel(ctx, channel.ChannelTelephony)
	if err != nil {
		return err
	}
	want := map[string]channel.Integration{}
	for _, integ := range integrations {
		want[integ.ID] = integ
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil
	}
	for id, conn := range m.conns {
		if _, ok := want[id]; !ok {
			conn.cancel()
			delete(m.conns, id)
			m.logger.Info("telephony integration disconnected", slog.String("integration_id", id))
		}
	}
	for id, integ := range want {
		if _, ok := m.conns[id]; ok {
			continue
		}
		m.connectLocked(integ)
	}
	return nil
}

func (m *Manager) connectLocked(integ channel.Integration) {
	cfg := m.clientConfig(integ)
	client := ari.NewClient(m.logger, cfg)
	connCtx, cancel := context.WithCancel(context.Background())
	mc := &managedConn{accountID: integ.AccountID, client: client, cancel: cancel}
	m.conns[integ.ID] = mc
	go m.runLoop(connCtx, integ, mc)
}

func (m *Manager) clientConfig(integ channel.Integration) ari.Config {
	pick := func(key, fallback string) string {
		if v := strings.TrimSpace(integ.Credential(key)); v != "" {
			return v
		}
		return fallback
	}
	return ari.Config{
		BaseURL:  pick("base_url", m.defaults.BaseURL),
		Username: pick("username", m.defaults.Username),
		Password: pick("password", m.defaults.Password),
		App:      pick("app", m.defaults.App),
	}
}

func (m *Manager) runLoop(ctx context.Context, integ channel.Integration, mc *managedConn) {
	backoff := reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		stream, err := mc.client.Connect(ctx)
		if err != nil {
			m.logger.Warn("ari connect failed",
				slog.String("integration_id", integ.ID),
				slog.Duration("retry_in", backoff),
				slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}
		backoff = reconnectMin

		m.readEvents(ctx, integ, mc, stream)
		_ = stream.Close()
	}
}

func (m *Manager) readEvents(ctx context.Context, integ channel.Integration, mc *managedConn, stream *ari.EventConn) {
	// Close the socket when the connection context ends so the blocked
	// read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Close()
		case <-done:
		}
	}()

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("ari event stream lost",
					slog.String("integration_id", integ.ID), slog.Any("error", err))
			}
			return
		}
		if err := m.engine.HandleEvent(ctx, mc.accountID, mc.client, ev); err != nil {
			m.logger.Error("handle ari event failed",
				slog.String("integration_id", integ.ID),
				slog.String("event_type", ev.Type),
				slog.Any("error", err))
		}
	}
}

// Control returns the live ARI client for the account, used by the API
// handlers to originate and hang up calls.
func (m *Manager) Control(accountID string) (CallControl, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		if conn.accountID == accountID {
			return conn.client, true
		}
	}
	return nil, false
}

// Stop tears down all connections.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for id, conn := range m.conns {
		conn.cancel()
		delete(m.conns, id)
	}
	m.logger.Info("telephony manager stopped")
}
