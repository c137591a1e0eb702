package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-realtime-service/internal/queue"
	"github.com/tinywideclouds/go-realtime-service/internal/ratelimit"
	"github.com/tinywideclouds/go-realtime-service/internal/realtime"
	"github.com/tinywideclouds/go-realtime-service/internal/test/fakes"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
)

// --- Mocks ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Append(ctx context.Context, userID string, payload json.RawMessage, createdAt time.Time) (events.QueuedNotification, error) {
	args := m.Called(ctx, userID, payload, createdAt)
	return args.Get(0).(events.QueuedNotification), args.Error(1)
}

func (m *mockStore) Drain(ctx context.Context, userID string) ([]events.QueuedNotification, error) {
	args := m.Called(ctx, userID)
	if res, ok := args.Get(0).([]events.QueuedNotification); ok {
		return res, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) Len(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

// flippingPresence reports offline for the first n checks, then online.
type flippingPresence struct {
	offlineChecks int32
	checks        atomic.Int32
	conns         []events.Conn
}

func (p *flippingPresence) IsOnline(string) bool {
	return p.checks.Add(1) > p.offlineChecks
}

func (p *flippingPresence) ConnectionsOf(string) []events.Conn { return p.conns }

// gatedStore holds the first Drain until release is closed.
type gatedStore struct {
	*queue.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) Drain(ctx context.Context, userID string) ([]events.QueuedNotification, error) {
	items, err := g.MemoryStore.Drain(ctx, userID)
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return items, err
}

// stalledPush blocks every poke until its context ends or release is closed.
type stalledPush struct {
	release chan struct{}
	calls   atomic.Int32
}

func (p *stalledPush) NotifyOffline(ctx context.Context, _ events.QueuedNotification) error {
	p.calls.Add(1)
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Fixture ---

type testFixture struct {
	ctx      context.Context
	clock    *clockwork.FakeClock
	registry *realtime.Registry
	router   *realtime.Router
	store    *queue.MemoryStore
	push     *fakes.PushNotifier
	service  *Service
}

func setup(t *testing.T) *testFixture {
	t.Helper()
	logger := zerolog.Nop()
	clock := clockwork.NewFakeClock()

	registry := realtime.NewRegistry(clock, logger)
	router, err := realtime.NewRouter(registry, ratelimit.NewLimiter(clock, logger), fakes.NewIdentityResolver(), realtime.RouterConfig{}, logger)
	require.NoError(t, err)
	store, err := queue.NewMemoryStore(5, logger)
	require.NoError(t, err)
	push := fakes.NewPushNotifier(logger)

	service, err := NewService(registry, router, store, push, clock, logger)
	require.NoError(t, err)
	registry.Subscribe(service)

	return &testFixture{
		ctx:      context.Background(),
		clock:    clock,
		registry: registry,
		router:   router,
		store:    store,
		push:     push,
		service:  service,
	}
}

func (fx *testFixture) connect(t *testing.T, connID, userID string, role events.Role) *fakes.Conn {
	t.Helper()
	c := fakes.NewConn(connID)
	fx.registry.Add(c)
	require.NoError(t, fx.registry.Register(fx.ctx, connID, events.Identity{UserID: userID, Role: role}))
	return c
}

func titles(t *testing.T, envs []events.Envelope) []string {
	t.Helper()
	out := make([]string, 0, len(envs))
	for _, env := range envs {
		var p struct {
			Title string `json:"title"`
		}
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		out = append(out, p.Title)
	}
	return out
}

// --- Tests ---

func TestNewService_Validation(t *testing.T) {
	fx := setup(t)
	_, err := NewService(nil, fx.router, fx.store, nil, fx.clock, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewService(fx.registry, nil, fx.store, nil, fx.clock, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewService(fx.registry, fx.router, nil, nil, fx.clock, zerolog.Nop())
	assert.Error(t, err)
}

func TestNotify_OfflineThenReconnectReplaysInOrder(t *testing.T) {
	fx := setup(t)

	r1, err := fx.service.Notify(fx.ctx, "A", json.RawMessage(`{"type":"taskAssigned","title":"X"}`))
	require.NoError(t, err)
	fx.clock.Advance(time.Second)
	r2, err := fx.service.Notify(fx.ctx, "A", json.RawMessage(`{"type":"taskAssigned","title":"Y"}`))
	require.NoError(t, err)

	assert.Equal(t, events.DeliveryResult{Outcome: events.OutcomeQueued, Sequence: 1}, r1)
	assert.Equal(t, events.DeliveryResult{Outcome: events.OutcomeQueued, Sequence: 2}, r2)
	fx.service.Wait()
	assert.Len(t, fx.push.Pokes(), 2)

	conn := fx.connect(t, "c1", "A", events.RoleStaff)

	assert.Equal(t, []string{"X", "Y"}, titles(t, conn.ReceivedOfType(events.EventNotification)))
	n, err := fx.store.Len(fx.ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	again, err := fx.service.Drain(fx.ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestNotify_CapacityKeepsMostRecent(t *testing.T) {
	fx := setup(t)

	for i := 1; i <= 10; i++ {
		_, err := fx.service.Notify(fx.ctx, "A", json.RawMessage(fmt.Sprintf(`{"title":"%d"}`, i)))
		require.NoError(t, err)
	}

	conn := fx.connect(t, "c1", "A", events.RoleStaff)
	assert.Equal(t, []string{"6", "7", "8", "9", "10"}, titles(t, conn.Received()))
}

func TestNotify_OnlineMultiDevice(t *testing.T) {
	fx := setup(t)
	phone := fx.connect(t, "phone", "A", events.RoleStaff)
	laptop := fx.connect(t, "laptop", "A", events.RoleStaff)

	res, err := fx.service.Notify(fx.ctx, "A", json.RawMessage(`{"title":"X"}`))
	require.NoError(t, err)

	assert.Equal(t, events.OutcomeDelivered, res.Outcome)
	assert.Equal(t, 2, res.Connections)
	assert.Len(t, phone.ReceivedOfType(events.EventNotification), 1)
	assert.Len(t, laptop.ReceivedOfType(events.EventNotification), 1)
	assert.Empty(t, fx.push.Pokes())
}

func TestNotify_OneFailingDeviceDoesNotBlockOthers(t *testing.T) {
	fx := setup(t)
	broken := fx.connect(t, "broken", "A", events.RoleStaff)
	healthy := fx.connect(t, "healthy", "A", events.RoleStaff)
	broken.FailSends()

	res, err := fx.service.Notify(fx.ctx, "A", json.RawMessage(`{"title":"X"}`))
	require.NoError(t, err)

	assert.Equal(t, events.OutcomeDelivered, res.Outcome)
	assert.Equal(t, 1, res.Connections)
	assert.Len(t, healthy.ReceivedOfType(events.EventNotification), 1)
	assert.True(t, broken.Closed())
}

func TestNotify_AllDevicesFailFallsBackToQueue(t *testing.T) {
	fx := setup(t)
	broken := fx.connect(t, "broken", "A", events.RoleStaff)
	broken.FailSends()

	res, err := fx.service.Notify(fx.ctx, "A", json.RawMessage(`{"title":"X"}`))
	require.NoError(t, err)

	assert.Equal(t, events.OutcomeQueued, res.Outcome)
	n, _ := fx.store.Len(fx.ctx, "A")
	assert.Equal(t, 1, n)
}

func TestNotify_StoreUnavailableDegrades(t *testing.T) {
	fx := setup(t)
	store := new(mockStore)
	store.On("Append", mock.Anything, "A", mock.Anything, mock.Anything).
		Return(events.QueuedNotification{}, fmt.Errorf("%w: redis down", events.ErrStoreUnavailable))

	service, err := NewService(fx.registry, fx.router, store, fx.push, fx.clock, zerolog.Nop())
	require.NoError(t, err)

	res, err := service.Notify(fx.ctx, "A", json.RawMessage(`{"title":"X"}`))
	require.NoError(t, err)
	assert.Equal(t, events.OutcomeDropped, res.Outcome)
	service.Wait()
	assert.Empty(t, fx.push.Pokes())
}

func TestNotify_UserConnectsWhileQueuing(t *testing.T) {
	fx := setup(t)
	conn := fakes.NewConn("c1")
	presence := &flippingPresence{offlineChecks: 1, conns: []events.Conn{conn}}

	service, err := NewService(presence, fx.router, fx.store, nil, fx.clock, zerolog.Nop())
	require.NoError(t, err)

	res, err := service.Notify(fx.ctx, "A", json.RawMessage(`{"title":"X"}`))
	require.NoError(t, err)

	assert.Equal(t, events.OutcomeQueued, res.Outcome)
	assert.Equal(t, []string{"X"}, titles(t, conn.ReceivedOfType(events.EventNotification)))
	n, _ := fx.store.Len(fx.ctx, "A")
	assert.Equal(t, 0, n)
}

func TestNotify_StalledPushDoesNotBlockCaller(t *testing.T) {
	fx := setup(t)
	push := &stalledPush{release: make(chan struct{})}
	service, err := NewService(fx.registry, fx.router, fx.store, push, fx.clock, zerolog.Nop())
	require.NoError(t, err)

	done := make(chan events.DeliveryResult, 1)
	go func() {
		res, err := service.Notify(fx.ctx, "A", json.RawMessage(`{"title":"X"}`))
		assert.NoError(t, err)
		done <- res
	}()

	select {
	case res := <-done:
		assert.Equal(t, events.OutcomeQueued, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("Notify waited for the push service")
	}

	close(push.release)
	service.Wait()
	assert.Equal(t, int32(1), push.calls.Load())
}

func TestNotify_WaitsForRunningReplay(t *testing.T) {
	fx := setup(t)
	for _, title := range []string{"X", "Y"} {
		_, err := fx.store.Append(fx.ctx, "A", json.RawMessage(fmt.Sprintf(`{"title":%q}`, title)), fx.clock.Now())
		require.NoError(t, err)
	}
	store := &gatedStore{MemoryStore: fx.store, entered: make(chan struct{}), release: make(chan struct{})}
	conn := fakes.NewConn("c1")
	presence := &flippingPresence{conns: []events.Conn{conn}}
	service, err := NewService(presence, fx.router, store, nil, fx.clock, zerolog.Nop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := service.Drain(fx.ctx, "A")
		assert.NoError(t, err)
	}()
	<-store.entered

	go func() {
		defer wg.Done()
		res, err := service.Notify(fx.ctx, "A", json.RawMessage(`{"title":"Z"}`))
		assert.NoError(t, err)
		assert.Equal(t, events.OutcomeDelivered, res.Outcome)
	}()

	assert.Never(t, func() bool { return len(conn.Received()) > 0 }, 100*time.Millisecond, 10*time.Millisecond,
		"live notification overtook the replay")
	close(store.release)
	wg.Wait()

	assert.Equal(t, []string{"X", "Y", "Z"}, titles(t, conn.Received()))
}

func TestDrain_ConcurrentDrainsReplayOnce(t *testing.T) {
	fx := setup(t)
	for i := 1; i <= 5; i++ {
		_, err := fx.store.Append(fx.ctx, "A", json.RawMessage(fmt.Sprintf(`{"title":"%d"}`, i)), fx.clock.Now())
		require.NoError(t, err)
	}
	conn := fakes.NewConn("c1")
	presence := &flippingPresence{conns: []events.Conn{conn}}
	service, err := NewService(presence, fx.router, fx.store, nil, fx.clock, zerolog.Nop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.Drain(fx.ctx, "A")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, titles(t, conn.Received()))
	assert.Empty(t, service.locks)
}

func TestNotify_Validation(t *testing.T) {
	fx := setup(t)

	_, err := fx.service.Notify(fx.ctx, "", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, events.ErrValidation)
	_, err = fx.service.Notify(fx.ctx, "A", json.RawMessage(`"text"`))
	assert.ErrorIs(t, err, events.ErrValidation)
}

func TestDrain_RequeuesWhenNoConnectionAccepts(t *testing.T) {
	fx := setup(t)
	for _, title := range []string{"X", "Y"} {
		_, err := fx.service.Notify(fx.ctx, "A", json.RawMessage(fmt.Sprintf(`{"title":%q}`, title)))
		require.NoError(t, err)
	}

	replayed, err := fx.service.Drain(fx.ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, replayed)

	n, _ := fx.store.Len(fx.ctx, "A")
	assert.Equal(t, 2, n)

	conn := fx.connect(t, "c1", "A", events.RoleStaff)
	assert.Equal(t, []string{"X", "Y"}, titles(t, conn.Received()))
}

func TestDrain_StoreError(t *testing.T) {
	fx := setup(t)
	store := new(mockStore)
	store.On("Drain", mock.Anything, "A").Return(nil, errors.New("down"))

	service, err := NewService(fx.registry, fx.router, store, nil, fx.clock, zerolog.Nop())
	require.NoError(t, err)

	_, err = service.Drain(fx.ctx, "A")
	assert.Error(t, err)
	assert.NotPanics(t, func() { service.UserOnline(fx.ctx, "A") })
}

func TestBroadcastToGroup_NeverQueues(t *testing.T) {
	fx := setup(t)
	admin1 := fx.connect(t, "a1", "admin-1", events.RoleAdmin)
	admin2 := fx.connect(t, "a2", "admin-2", events.RoleAdmin)
	staff := fx.connect(t, "s1", "staff-1", events.RoleStaff)

	delivered, err := fx.service.BroadcastToGroup(fx.ctx, "admin", json.RawMessage(`{"msg":"staff event"}`))
	require.NoError(t, err)

	assert.Equal(t, 2, delivered)
	assert.Len(t, admin1.ReceivedOfType(events.EventNotification), 1)
	assert.Len(t, admin2.ReceivedOfType(events.EventNotification), 1)
	assert.Empty(t, staff.Received())

	delivered, err = fx.service.BroadcastToGroup(fx.ctx, "nobody-home", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
	n, _ := fx.store.Len(fx.ctx, "admin")
	assert.Equal(t, 0, n)

	_, err = fx.service.BroadcastToGroup(fx.ctx, "", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, events.ErrInvalidTopic)
}
