package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/bus"
	"perpbot/internal/engine"
	"perpbot/pkg/types"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type fakeProvider struct {
	events    []bus.Event
	eventsErr error
	accounts  []engine.AccountStatus
	tasks     []types.TaskRecord
}

func (f *fakeProvider) RecentEvents(limit int) ([]bus.Event, error) {
	if f.eventsErr != nil {
		return nil, f.eventsErr
	}
	if limit < len(f.events) {
		return f.events[:limit], nil
	}
	return f.events, nil
}

func (f *fakeProvider) Accounts() []engine.AccountStatus { return f.accounts }

func (f *fakeProvider) Tasks() ([]types.TaskRecord, error) { return f.tasks, nil }

func testServer(t *testing.T, p Provider) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewServer(0, p, logger)
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	t.Parallel()

	s := testServer(t, &fakeProvider{})
	rec := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestEventsRespectsLimit(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	for i := 0; i < 5; i++ {
		p.events = append(p.events, bus.NewEventFrom("pm.account.loaded", map[string]any{
			"user_id": fmt.Sprintf("user-%d", i),
		}, "pm"))
	}
	s := testServer(t, p)

	rec := get(t, s, "/api/events?limit=3")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode(t, rec)["count"])

	rec = get(t, s, "/api/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 5, decode(t, rec)["count"])

	rec = get(t, s, "/api/events?limit=nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsQueryFailure(t *testing.T) {
	t.Parallel()

	s := testServer(t, &fakeProvider{eventsErr: fmt.Errorf("database is locked")})
	rec := get(t, s, "/api/events")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAccounts(t *testing.T) {
	t.Parallel()

	s := testServer(t, &fakeProvider{accounts: []engine.AccountStatus{
		{UserID: "alice", Name: "Alice", Strategy: "main", Enabled: true},
		{UserID: "bob", Name: "Bob", Strategy: "main", Testnet: true},
	}})

	rec := get(t, s, "/api/accounts")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["count"])

	raw, err := json.Marshal(body["accounts"])
	require.NoError(t, err)
	var accounts []engine.AccountStatus
	require.NoError(t, json.Unmarshal(raw, &accounts))
	assert.Equal(t, "alice", accounts[0].UserID)
	assert.True(t, accounts[0].Enabled)
	assert.True(t, accounts[1].Testnet)
}

func TestTasks(t *testing.T) {
	t.Parallel()

	s := testServer(t, &fakeProvider{tasks: []types.TaskRecord{
		{TaskID: "t-1", UserID: "alice", Symbol: "XRPUSDC", Side: types.Buy, Status: "CLOSED", PnL: 12.5, CreatedAt: time.Now()},
	}})

	rec := get(t, s, "/api/tasks")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	s := testServer(t, &fakeProvider{})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
