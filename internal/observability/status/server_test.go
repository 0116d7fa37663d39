package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmanager/internal/task"
	"taskmanager/internal/task/scheduler"
	logx "taskmanager/pkg/logx"
)

func fixedSnapshot() scheduler.Snapshot {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return scheduler.Snapshot{
		Running: true,
		Timers: []scheduler.TimerInfo{{
			Name: "DeleteFiles_task_1", Kind: task.Kind("DeleteFiles"), Every: time.Hour,
			State: scheduler.StateScheduled, Next: at.Add(time.Hour), Runs: 2,
		}},
		History: []scheduler.HistoryItem{{Task: "DeleteFiles_task_1", Started: at, Duration: 1500 * time.Millisecond}},
	}
}

func TestStatusHandler(t *testing.T) {
	s := New(Config{}, fixedSnapshot, logx.Nop())
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var got struct {
		Running bool `json:"running"`
		Timers  []struct {
			Name  string `json:"name"`
			Every string `json:"every"`
			State string `json:"state"`
			Runs  uint64 `json:"runs"`
		} `json:"timers"`
		History []struct {
			Duration string `json:"duration"`
		} `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.True(t, got.Running)
	require.Len(t, got.Timers, 1)
	assert.Equal(t, "DeleteFiles_task_1", got.Timers[0].Name)
	assert.Equal(t, "1h0m0s", got.Timers[0].Every)
	assert.Equal(t, "scheduled", got.Timers[0].State)
	assert.EqualValues(t, 2, got.Timers[0].Runs)
	require.Len(t, got.History, 1)
	assert.Equal(t, "1.5s", got.History[0].Duration)
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	off := New(Config{}, fixedSnapshot, logx.Nop())
	rr := httptest.NewRecorder()
	off.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	on := New(Config{Pprof: true}, fixedSnapshot, logx.Nop())
	rr = httptest.NewRecorder()
	on.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestTokenAuth(t *testing.T) {
	s := New(Config{Token: "s3cret"}, fixedSnapshot, logx.Nop())
	h := s.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status?token=s3cret", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStartRefusesPublicBindWithoutToken(t *testing.T) {
	s := New(Config{Addr: "0.0.0.0:0"}, fixedSnapshot, logx.Nop())
	require.ErrorIs(t, s.Start(context.Background()), ErrInsecureBind)
}

func TestStartServeStop(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, fixedSnapshot, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Empty(t, s.Addr())
	require.NoError(t, s.Stop(ctx))
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:9477"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":9477"))
	assert.False(t, isLoopbackAddr("0.0.0.0:9477"))
	assert.False(t, isLoopbackAddr("nonsense"))
}
