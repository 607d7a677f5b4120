package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/uniboxhq/unibox/internal/channel"
)

const probedType = channel.ChannelType("probed")

type probeAdapter struct {
	err error
}

func (a *probeAdapter) Type() channel.ChannelType { return probedType }

func (a *probeAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Type: probedType}
}

func (a *probeAdapter) Probe(ctx context.Context, integ channel.Integration) error {
	return a.err
}

type fakeIntegrations struct {
	items    []channel.Integration
	statuses map[string]channel.IntegrationStatus
	notes    map[string]string
}

func (f *fakeIntegrations) ListByChannel(ctx context.Context, ch channel.ChannelType) ([]channel.Integration, error) {
	return f.items, nil
}

func (f *fakeIntegrations) SetStatus(ctx context.Context, accountID, integrationID string, status channel.IntegrationStatus, note string) error {
	f.statuses[integrationID] = status
	f.notes[integrationID] = note
	return nil
}

type fakeSweeper struct {
	swept  int
	maxAge time.Duration
}

func (f *fakeSweeper) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	f.maxAge = maxAge
	return f.swept, nil
}

func testScheduler(adapter *probeAdapter, items []channel.Integration) (*Scheduler, *fakeIntegrations, *fakeSweeper) {
	reg := channel.NewRegistry()
	reg.MustRegister(adapter)
	integrations := &fakeIntegrations{
		items:    items,
		statuses: map[string]channel.IntegrationStatus{},
		notes:    map[string]string{},
	}
	sweeper := &fakeSweeper{}
	s := NewScheduler(nil, reg, sweeper, integrations, nil, Options{})
	return s, integrations, sweeper
}

func TestProbeRaisesErrorStatus(t *testing.T) {
	t.Parallel()
	s, integrations, _ := testScheduler(&probeAdapter{err: errors.New("401 unauthorized")}, []channel.Integration{
		{ID: "integ-1", AccountID: "acc-1", Channel: probedType, Status: channel.IntegrationActive},
	})

	s.probeIntegrations()

	assert.Equal(t, channel.IntegrationError, integrations.statuses["integ-1"])
	assert.Equal(t, "401 unauthorized", integrations.notes["integ-1"])
}

func TestProbeClearsErrorStatusOnRecovery(t *testing.T) {
	t.Parallel()
	s, integrations, _ := testScheduler(&probeAdapter{}, []channel.Integration{
		{ID: "integ-1", AccountID: "acc-1", Channel: probedType, Status: channel.IntegrationError},
	})

	s.probeIntegrations()

	assert.Equal(t, channel.IntegrationActive, integrations.statuses["integ-1"])
	assert.Empty(t, integrations.notes["integ-1"])
}

func TestProbeLeavesHealthyActiveAlone(t *testing.T) {
	t.Parallel()
	s, integrations, _ := testScheduler(&probeAdapter{}, []channel.Integration{
		{ID: "integ-1", AccountID: "acc-1", Channel: probedType, Status: channel.IntegrationActive},
	})

	s.probeIntegrations()

	_, touched := integrations.statuses["integ-1"]
	assert.False(t, touched, "healthy integrations are not rewritten")
}

func TestSweepUsesConfiguredAge(t *testing.T) {
	t.Parallel()
	s, _, sweeper := testScheduler(&probeAdapter{}, nil)
	s.opts.StaleRingingAfter = 3 * time.Minute

	s.sweepStaleCalls()

	assert.Equal(t, 3*time.Minute, sweeper.maxAge)
}
