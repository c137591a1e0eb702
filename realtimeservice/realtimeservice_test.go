package realtimeservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-realtime-service/internal/queue"
	"github.com/tinywideclouds/go-realtime-service/internal/ratelimit"
	"github.com/tinywideclouds/go-realtime-service/internal/test/fakes"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice/config"
)

const adminToken = "ops:admin"

type serviceFixture struct {
	svc     *Wrapper
	metrics *fakes.MetricsSource
	api     *httptest.Server
	ws      *httptest.Server
}

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		RunMode:           "local",
		APIPort:           "0",
		WebSocketPort:     "0",
		HeartbeatInterval: time.Minute,
		CoalesceCooldown:  5 * time.Second,
		SweepInterval:     time.Minute,
		Queue:             config.QueueConfig{Type: "memory", Capacity: 10},
	}
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()
	logger := zerolog.Nop()

	store, err := queue.NewMemoryStore(10, logger)
	require.NoError(t, err)
	metrics := fakes.NewMetricsSource(json.RawMessage(`{"openTasks":4}`))

	svc, err := New(testConfig(), &Dependencies{
		Store:    store,
		Resolver: fakes.NewIdentityResolver(),
		Metrics:  metrics,
		Push:     fakes.NewPushNotifier(logger),
	}, logger)
	require.NoError(t, err)

	apiServer := httptest.NewServer(svc.Handler())
	wsServer := httptest.NewServer(svc.ConnectionManager().Handler())
	t.Cleanup(func() {
		wsServer.Close()
		apiServer.Close()
		svc.coalescer.Wait()
	})

	return &serviceFixture{svc: svc, metrics: metrics, api: apiServer, ws: wsServer}
}

func (fx *serviceFixture) call(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, fx.api.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (fx *serviceFixture) presence(t *testing.T, userID string) events.Presence {
	t.Helper()
	resp, body := fx.call(t, http.MethodGet, "/api/presence/"+userID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p events.Presence
	require.NoError(t, json.Unmarshal(body, &p))
	return p
}

func (fx *serviceFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(fx.ws.URL, "http") + "/connect"
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) events.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env events.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// readUntil reads envelopes until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want events.EventType) events.Envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		if env := readEnvelope(t, conn); env.Type == want {
			return env
		}
	}
	t.Fatalf("no %s envelope received", want)
	return events.Envelope{}
}

func TestService_QueuedNotificationReplayedOnConnect(t *testing.T) {
	fx := newFixture(t)

	resp, _ := fx.call(t, http.MethodPost, "/api/notify", map[string]any{
		"userId":  "alice",
		"payload": map[string]string{"title": "Leave approved"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	p := fx.presence(t, "alice")
	assert.False(t, p.Online)
	assert.Equal(t, 1, p.Queued)

	conn := fx.dial(t, "alice")
	var got []events.EventType
	var notification events.Envelope
	for len(got) < 2 {
		env := readEnvelope(t, conn)
		got = append(got, env.Type)
		if env.Type == events.EventNotification {
			notification = env
		}
	}
	assert.ElementsMatch(t, []events.EventType{events.EventNotification, events.EventAuthOK}, got)
	assert.JSONEq(t, `{"title":"Leave approved"}`, string(notification.Payload))

	require.Eventually(t, func() bool {
		p := fx.presence(t, "alice")
		return p.Online && p.Queued == 0 && p.Connections == 1
	}, 2*time.Second, 20*time.Millisecond)

	resp, body := fx.call(t, http.MethodPost, "/api/notify", map[string]any{
		"userId":  "alice",
		"payload": map[string]string{"title": "Shift changed"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"delivered"`)
	live := readUntil(t, conn, events.EventNotification)
	assert.JSONEq(t, `{"title":"Shift changed"}`, string(live.Payload))
}

func TestService_DomainEventRelayedWithDashboard(t *testing.T) {
	fx := newFixture(t)

	admin := fx.dial(t, adminToken)
	readUntil(t, admin, events.EventAuthOK)
	watcher := fx.dial(t, "carol")
	readUntil(t, watcher, events.EventAuthOK)
	require.NoError(t, watcher.WriteJSON(events.MustEnvelope(events.EventJoin, map[string]string{"topic": string(events.TopicTasks)})))
	require.Eventually(t, func() bool {
		return len(fx.svc.registry.Members(events.TopicTasks)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	editor := fx.dial(t, "bob")
	readUntil(t, editor, events.EventAuthOK)
	require.NoError(t, editor.WriteJSON(events.MustEnvelope(events.EventTaskUpdated, map[string]any{"id": 7, "status": "done"})))

	relayed := readUntil(t, watcher, events.EventTaskUpdated)
	assert.JSONEq(t, `{"id":7,"status":"done"}`, string(relayed.Payload))

	dashboard := readUntil(t, admin, events.EventDashboardMetrics)
	assert.JSONEq(t, `{"openTasks":4}`, string(dashboard.Payload))
	assert.Equal(t, 1, fx.metrics.Fetches())
}

func TestService_PublishAndBroadcastViaAPI(t *testing.T) {
	fx := newFixture(t)
	admin := fx.dial(t, adminToken)
	readUntil(t, admin, events.EventAuthOK)

	resp, body := fx.call(t, http.MethodPost, "/api/broadcast", map[string]any{
		"group":   events.AdminGroup,
		"payload": map[string]string{"title": "Payroll closes today"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"delivered":1}`, string(body))
	env := readUntil(t, admin, events.EventNotification)
	assert.JSONEq(t, `{"title":"Payroll closes today"}`, string(env.Payload))

	resp, _ = fx.call(t, http.MethodPost, "/api/publish", map[string]any{
		"topic":   string(events.TopicAdmin),
		"type":    "authOk",
		"payload": map[string]string{},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = fx.call(t, http.MethodPost, "/api/publish", map[string]any{
		"topic":   "nowhere",
		"type":    "notification",
		"payload": map[string]string{},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = fx.call(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats events.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.OnlineUsers)
}

func TestService_Apply(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.svc.Apply(ctx, events.Command{
		Kind:    events.CommandNotify,
		UserID:  "dave",
		Payload: json.RawMessage(`{"title":"Review due"}`),
	}))
	p, err := fx.svc.Presence(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Queued)

	require.NoError(t, fx.svc.Apply(ctx, events.Command{Kind: events.CommandTrigger, Metric: "dashboard"}))
	fx.svc.coalescer.Wait()
	assert.Equal(t, 1, fx.metrics.Fetches())

	testCases := []struct {
		name    string
		cmd     events.Command
		wantErr error
	}{
		{
			name:    "publish of a client control type",
			cmd:     events.Command{Kind: events.CommandPublish, Topic: string(events.TopicTasks), Type: events.EventPing, Payload: json.RawMessage(`{}`)},
			wantErr: events.ErrValidation,
		},
		{
			name:    "publish to an invalid topic",
			cmd:     events.Command{Kind: events.CommandPublish, Topic: "domain:unknown", Type: events.EventNotification, Payload: json.RawMessage(`{}`)},
			wantErr: events.ErrInvalidTopic,
		},
		{
			name:    "trigger of an unknown metric",
			cmd:     events.Command{Kind: events.CommandTrigger, Metric: "payroll"},
			wantErr: events.ErrValidation,
		},
		{
			name:    "notify with a non object payload",
			cmd:     events.Command{Kind: events.CommandNotify, UserID: "dave", Payload: json.RawMessage(`[1]`)},
			wantErr: events.ErrValidation,
		},
		{
			name:    "unknown kind",
			cmd:     events.Command{Kind: "delete"},
			wantErr: events.ErrValidation,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := fx.svc.Apply(ctx, tc.cmd)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestService_StartReadyShutdown(t *testing.T) {
	logger := zerolog.Nop()
	store, err := queue.NewMemoryStore(10, logger)
	require.NoError(t, err)

	checkErr := errors.New("redis unreachable")
	var failing bool
	svc, err := New(testConfig(), &Dependencies{
		Store:    store,
		Resolver: fakes.NewIdentityResolver(),
		Checks: []ReadinessCheck{func(context.Context) error {
			if failing {
				return checkErr
			}
			return nil
		}},
	}, logger)
	require.NoError(t, err)

	ctx := context.Background()
	assert.Error(t, svc.Ready(ctx), "not ready before Start")

	startErr := make(chan error, 1)
	go func() { startErr <- svc.Start(ctx) }()

	require.Eventually(t, func() bool { return svc.Ready(ctx) == nil }, 2*time.Second, 10*time.Millisecond)

	failing = true
	assert.ErrorIs(t, svc.Ready(ctx), checkErr)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(shutdownCtx))

	select {
	case err := <-startErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
	assert.Error(t, svc.Ready(ctx))
}

func TestNew_Validation(t *testing.T) {
	logger := zerolog.Nop()
	store, err := queue.NewMemoryStore(10, logger)
	require.NoError(t, err)

	_, err = New(testConfig(), &Dependencies{Store: store}, logger)
	assert.Error(t, err, "resolver is required")

	cfg := testConfig()
	cfg.RateLimits.Events = map[string]ratelimit.Rule{"notification": {Limit: 1, Window: time.Second}}
	_, err = New(cfg, &Dependencies{Store: store, Resolver: fakes.NewIdentityResolver()}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notification")
}
