package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniboxhq/unibox/internal/telephony"
)

type fakeCallStore struct {
	calls map[string]telephony.Call
}

func (f *fakeCallStore) Get(ctx context.Context, accountID, callID string) (telephony.Call, error) {
	c, ok := f.calls[callID]
	if !ok || c.AccountID != accountID {
		return telephony.Call{}, telephony.ErrCallNotFound
	}
	return c, nil
}

func (f *fakeCallStore) List(ctx context.Context, accountID string, filter telephony.CallFilter) ([]telephony.Call, error) {
	var out []telephony.Call
	for _, c := range f.calls {
		if c.AccountID != accountID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

type fakeCallEngine struct {
	cancelled  []string
	originated []string
}

func (f *fakeCallEngine) Cancel(ctx context.Context, accountID, callID string, control telephony.CallControl) (telephony.Call, error) {
	f.cancelled = append(f.cancelled, callID)
	return telephony.Call{ID: callID, AccountID: accountID, Status: telephony.StatusCancelled}, nil
}

func (f *fakeCallEngine) Originate(ctx context.Context, accountID, phone, callerID string, control telephony.CallControl) (telephony.Call, error) {
	f.originated = append(f.originated, phone)
	return telephony.Call{ID: "call-new", AccountID: accountID, PhoneNumber: phone,
		Direction: telephony.DirectionOutbound, Status: telephony.StatusRinging}, nil
}

type fakeControls struct {
	connected bool
}

func (f *fakeControls) Control(accountID string) (telephony.CallControl, bool) {
	if !f.connected {
		return nil, false
	}
	return nil, true
}

func callEcho(t *testing.T, connected bool) (*echo.Echo, *fakeCallEngine) {
	t.Helper()
	store := &fakeCallStore{calls: map[string]telephony.Call{
		"call-1": {ID: "call-1", AccountID: "acc-1", PhoneNumber: "+4930555", Status: telephony.StatusAnswered},
	}}
	engine := &fakeCallEngine{}
	e := newAuthedEcho(NewCallHandler(nil, store, engine, &fakeControls{connected: connected}))
	return e, engine
}

func TestCalls_Get(t *testing.T) {
	e, _ := callEcho(t, true)
	rec := doJSON(e, http.MethodGet, "/calls/call-1", bearerToken(t, "acc-1", "user-1"), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var call telephony.Call
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &call))
	assert.Equal(t, "+4930555", call.PhoneNumber)
}

func TestCalls_TenantScoped(t *testing.T) {
	e, _ := callEcho(t, true)
	rec := doJSON(e, http.MethodGet, "/calls/call-1", bearerToken(t, "acc-other", "user-1"), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCalls_Originate(t *testing.T) {
	e, engine := callEcho(t, true)
	rec := doJSON(e, http.MethodPost, "/calls", bearerToken(t, "acc-1", "user-1"), `{"phone":"+15550100"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"+15550100"}, engine.originated)
}

func TestCalls_OriginateRequiresPhone(t *testing.T) {
	e, _ := callEcho(t, true)
	rec := doJSON(e, http.MethodPost, "/calls", bearerToken(t, "acc-1", "user-1"), `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCalls_NoPBXConnection(t *testing.T) {
	e, engine := callEcho(t, false)
	rec := doJSON(e, http.MethodPost, "/calls", bearerToken(t, "acc-1", "user-1"), `{"phone":"+15550100"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, engine.originated)
}

func TestCalls_Cancel(t *testing.T) {
	e, engine := callEcho(t, true)
	rec := doJSON(e, http.MethodPost, "/calls/call-1/cancel", bearerToken(t, "acc-1", "user-1"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"call-1"}, engine.cancelled)
}
