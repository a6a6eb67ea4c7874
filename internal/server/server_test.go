package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipetune/pipetune/internal/store"
	"github.com/pipetune/pipetune/internal/tuning"
	"github.com/pipetune/pipetune/internal/tuning/session"
	"github.com/pipetune/pipetune/internal/tuning/space"
)

func testServer(t *testing.T, st *store.FSStore) *httptest.Server {
	t.Helper()

	cfg := session.DefaultConfig()
	cfg.InitialDesignSize = 3
	cfg.MaxIterations = 20
	cfg.Seed = 11
	cfg.Surrogate.FitHyperparameters = false

	srv := New(cfg, st, nil, nil)
	r := chi.NewRouter()
	r.Use(Recovery(srv.logger))
	srv.RegisterRoutes(r)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { srv.Close() })
	return ts
}

func createSession(t *testing.T, ts *httptest.Server, id string) statusResponse {
	t.Helper()

	body, err := json.Marshal(createRequest{
		ID: id,
		Parameters: []space.ParameterSpec{
			{Name: "threshold", Kind: space.Continuous, Min: 0, Max: 1, Default: 0.5},
			{Name: "window", Kind: space.Integer, Min: 3, Max: 15, Default: 5},
		},
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/v1/sessions/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	return status
}

func submitRound(t *testing.T, ts *httptest.Server, id string, round tuning.Round) (*http.Response, map[string]json.RawMessage) {
	t.Helper()

	body, err := json.Marshal(round)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/v1/sessions/"+id+"/rounds", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var payload map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp, payload
}

func TestCreateSessionReturnsPending(t *testing.T) {
	ts := testServer(t, nil)

	status := createSession(t, ts, "sess-1")
	assert.Equal(t, "sess-1", status.ID)
	assert.Equal(t, session.StateAwaiting, status.State)
	assert.Contains(t, status.Pending, "threshold")
	assert.Contains(t, status.Pending, "window")
}

func TestCreateDuplicateSessionConflicts(t *testing.T) {
	ts := testServer(t, nil)
	createSession(t, ts, "dup")

	body, _ := json.Marshal(createRequest{
		ID: "dup",
		Parameters: []space.ParameterSpec{
			{Name: "threshold", Kind: space.Continuous, Min: 0, Max: 1},
		},
	})
	resp, err := http.Post(ts.URL+"/api/v1/sessions/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCreateSessionValidatesSpace(t *testing.T) {
	ts := testServer(t, nil)

	body, _ := json.Marshal(createRequest{
		ID: "bad",
		Parameters: []space.ParameterSpec{
			{Name: "threshold", Kind: space.Continuous, Min: 1, Max: 0},
		},
	})
	resp, err := http.Post(ts.URL+"/api/v1/sessions/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitRoundAdvancesSession(t *testing.T) {
	ts := testServer(t, nil)
	createSession(t, ts, "sess-1")

	round := tuning.Round{Automated: tuning.Automated(0.6), Manual: tuning.Absent()}
	resp, payload := submitRound(t, ts, "sess-1", round)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status statusResponse
	require.NoError(t, json.Unmarshal(payload["status"], &status))
	assert.Equal(t, 1, status.Iteration)
	assert.Equal(t, session.StateAwaiting, status.State)
	require.NotNil(t, status.BestValue)
	assert.Equal(t, 0.6, *status.BestValue)
	assert.NotNil(t, status.Pending)
}

func TestSubmitNoSignalAsksForRetry(t *testing.T) {
	ts := testServer(t, nil)
	createSession(t, ts, "sess-1")

	resp, payload := submitRound(t, ts, "sess-1", tuning.Round{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var retry bool
	require.NoError(t, json.Unmarshal(payload["retry"], &retry))
	assert.True(t, retry)
}

func TestSubmitToUnknownSession(t *testing.T) {
	ts := testServer(t, nil)

	body, _ := json.Marshal(tuning.Round{Automated: tuning.Automated(0.5)})
	resp, err := http.Post(ts.URL+"/api/v1/sessions/ghost/rounds", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelThenSubmitConflicts(t *testing.T) {
	ts := testServer(t, nil)
	createSession(t, ts, "sess-1")

	resp, err := http.Post(ts.URL+"/api/v1/sessions/sess-1/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	round := tuning.Round{Automated: tuning.Automated(0.6)}
	resp2, _ := submitRound(t, ts, "sess-1", round)
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)
}

func TestPendingEndpoint(t *testing.T) {
	ts := testServer(t, nil)
	createSession(t, ts, "sess-1")

	resp, err := http.Get(ts.URL + "/api/v1/sessions/sess-1/pending")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Pending tuning.Configuration `json:"pending"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Contains(t, payload.Pending, "threshold")
}

func TestResumeFromSnapshot(t *testing.T) {
	st, err := store.NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)

	ts := testServer(t, st)
	createSession(t, ts, "sess-1")

	for i := 0; i < 2; i++ {
		round := tuning.Round{Automated: tuning.Automated(0.3 + 0.2*float64(i))}
		resp, _ := submitRound(t, ts, "sess-1", round)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	// A second server sharing the store picks the session back up.
	ts2 := testServer(t, st)
	resp, err := http.Post(ts2.URL+"/api/v1/sessions/sess-1/resume", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Status statusResponse `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, 2, payload.Status.Iteration)
	assert.Equal(t, session.StateAwaiting, payload.Status.State)
	require.NotNil(t, payload.Status.BestValue)
	assert.Equal(t, 0.5, *payload.Status.BestValue)
}

func TestResumeUnknownSession(t *testing.T) {
	st, err := store.NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)
	ts := testServer(t, st)

	resp, err := http.Post(ts.URL+"/api/v1/sessions/ghost/resume", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListSessions(t *testing.T) {
	ts := testServer(t, nil)
	for i := 0; i < 3; i++ {
		createSession(t, ts, fmt.Sprintf("sess-%d", i))
	}

	resp, err := http.Get(ts.URL + "/api/v1/sessions/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Sessions []string `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Len(t, payload.Sessions, 3)
}
