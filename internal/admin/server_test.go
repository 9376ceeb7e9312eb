package admin

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vthunder/meshrelay/internal/journal"
	"github.com/vthunder/meshrelay/internal/metrics"
	"github.com/vthunder/meshrelay/internal/reflex"
	"github.com/vthunder/meshrelay/internal/relay"
	"github.com/vthunder/meshrelay/internal/types"
)

type staticStatus relay.Snapshot

func (s staticStatus) Snapshot() relay.Snapshot { return relay.Snapshot(s) }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		state relay.StateID
		code  int
	}{
		{relay.StateListening, http.StatusOK},
		{relay.StateIdle, http.StatusServiceUnavailable},
		{relay.StateStopped, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			s := New(staticStatus{State: tt.state}, nil, nil, nil)
			rec := get(t, s.Handler(), "/healthz")
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), string(tt.state))
		})
	}
}

func TestStatusIncludesJournalStats(t *testing.T) {
	j, err := journal.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	msg := &types.InboundMessage{Sender: "!a1b2c3d4", To: "!cafe0001", Text: "hi", Correlation: "1"}
	require.NoError(t, j.LogInbound(msg))
	require.NoError(t, j.LogReply(msg.Sender, msg.Correlation, types.SourceGenerator, 2))

	s := New(staticStatus{State: relay.StateListening, LocalNode: "!cafe0001", OutboundDepth: 1, Sessions: 3}, j, nil, nil)
	rec := get(t, s.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		State         string `json:"state"`
		LocalNode     string `json:"local_node"`
		Sessions      int    `json:"sessions"`
		OutboundDepth int    `json:"outbound_depth"`
		Uptime        string `json:"uptime"`
		Stats         struct {
			Inbound int
			Replies map[string]int
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Running.Listening", body.State)
	assert.Equal(t, "!cafe0001", body.LocalNode)
	assert.Equal(t, 3, body.Sessions)
	assert.Equal(t, 1, body.OutboundDepth)
	assert.NotEmpty(t, body.Uptime)
	assert.Equal(t, 1, body.Stats.Inbound)
	assert.Equal(t, map[string]int{"generator": 1}, body.Stats.Replies)
}

func TestJournalEndpoint(t *testing.T) {
	s := New(staticStatus{}, nil, nil, nil)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/journal").Code)

	j, err := journal.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	for i := 0; i < 3; i++ {
		require.NoError(t, j.LogSession("up"))
	}

	s = New(staticStatus{}, j, nil, nil)
	rec := get(t, s.Handler(), "/journal?n=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []journal.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)

	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/journal?n=zero").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/journal?n=5000").Code)
}

func TestRulesEndpoint(t *testing.T) {
	rules := reflex.NewEngine("")
	require.NoError(t, rules.Add(&reflex.Rule{
		Name:     "ping",
		Priority: 5,
		Trigger:  reflex.Trigger{Pattern: `^ping$`},
		Pipeline: reflex.Pipeline{{Action: "reply", Params: map[string]any{"message": "pong"}}},
	}))

	s := New(staticStatus{}, nil, nil, rules)
	rec := get(t, s.Handler(), "/rules")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"name":"ping","pattern":"^ping$","priority":5,"fire_count":0}]`, rec.Body.String())

	s = New(staticStatus{}, nil, nil, nil)
	assert.JSONEq(t, `[]`, get(t, s.Handler(), "/rules").Body.String())
}

func TestMetricsAndInstrumentation(t *testing.T) {
	m := metrics.New()
	m.InboundAccepted()
	s := New(staticStatus{State: relay.StateIdle}, nil, m, nil)
	h := s.Handler()

	get(t, h, "/healthz")
	get(t, h, "/healthz")

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `meshrelay_inbound_messages_total{outcome="accepted"} 1`)
	assert.Contains(t, rec.Body.String(), `meshrelay_http_requests_total{method="GET",path="/healthz",status="503"} 2`)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/healthz", "503")))
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(staticStatus{State: relay.StateListening}, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/healthz")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "Running.Listening"))

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}
