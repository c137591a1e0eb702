package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
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

// --- Fixture ---

var (
	testPayload = json.RawMessage(`{"type":"taskAssigned","title":"X"}`)
	testTime    = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	errTest     = errors.New("store error")
)

type testFixture struct {
	primary   *mockStore
	secondary *mockStore
	store     *FallbackStore
}

func setup(t *testing.T) *testFixture {
	primary := new(mockStore)
	secondary := new(mockStore)
	store, err := NewFallbackStore(primary, secondary, 3, zerolog.Nop())
	require.NoError(t, err)

	return &testFixture{
		primary:   primary,
		secondary: secondary,
		store:     store,
	}
}

// --- Tests ---

func TestNewFallbackStore_RequiresBothStores(t *testing.T) {
	_, err := NewFallbackStore(nil, new(mockStore), 3, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewFallbackStore(new(mockStore), nil, 3, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewFallbackStore(new(mockStore), new(mockStore), 0, zerolog.Nop())
	assert.Error(t, err)
}

func TestAppend_Primary(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	want := events.QueuedNotification{UserID: "u1", Sequence: 1, Payload: testPayload, CreatedAt: testTime}

	fx.primary.On("Append", ctx, "u1", testPayload, testTime).Return(want, nil)

	got, err := fx.store.Append(ctx, "u1", testPayload, testTime)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	fx.secondary.AssertNotCalled(t, "Append", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAppend_Fallback(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	want := events.QueuedNotification{UserID: "u1", Sequence: 7, Payload: testPayload, CreatedAt: testTime}

	fx.primary.On("Append", ctx, "u1", testPayload, testTime).Return(events.QueuedNotification{}, errTest)
	fx.secondary.On("Append", ctx, "u1", testPayload, testTime).Return(want, nil)

	got, err := fx.store.Append(ctx, "u1", testPayload, testTime)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAppend_BothFail(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	unavailable := errors.Join(events.ErrStoreUnavailable, errTest)

	fx.primary.On("Append", ctx, "u1", testPayload, testTime).Return(events.QueuedNotification{}, unavailable)
	fx.secondary.On("Append", ctx, "u1", testPayload, testTime).Return(events.QueuedNotification{}, unavailable)

	_, err := fx.store.Append(ctx, "u1", testPayload, testTime)
	require.Error(t, err)
	assert.ErrorIs(t, err, events.ErrStoreUnavailable)
}

func TestDrain_MergesBothStores(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	p := []events.QueuedNotification{
		{UserID: "u1", Sequence: 1, CreatedAt: testTime},
		{UserID: "u1", Sequence: 2, CreatedAt: testTime.Add(2 * time.Second)},
	}
	s := []events.QueuedNotification{
		{UserID: "u1", Sequence: 1, CreatedAt: testTime.Add(time.Second)},
	}
	fx.primary.On("Drain", ctx, "u1").Return(p, nil)
	fx.secondary.On("Drain", ctx, "u1").Return(s, nil)

	got, err := fx.store.Drain(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, testTime, got[0].CreatedAt)
	assert.Equal(t, testTime.Add(time.Second), got[1].CreatedAt)
	assert.Equal(t, testTime.Add(2*time.Second), got[2].CreatedAt)
}

func TestDrain_MergedQueueKeepsMostRecent(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	var p, s []events.QueuedNotification
	for i := 0; i < 3; i++ {
		p = append(p, events.QueuedNotification{UserID: "u1", Sequence: int64(i + 1), CreatedAt: testTime.Add(time.Duration(2*i) * time.Second)})
		s = append(s, events.QueuedNotification{UserID: "u1", Sequence: int64(i + 1), CreatedAt: testTime.Add(time.Duration(2*i+1) * time.Second)})
	}
	fx.primary.On("Drain", ctx, "u1").Return(p, nil)
	fx.secondary.On("Drain", ctx, "u1").Return(s, nil)

	got, err := fx.store.Drain(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, testTime.Add(3*time.Second), got[0].CreatedAt)
	assert.Equal(t, testTime.Add(4*time.Second), got[1].CreatedAt)
	assert.Equal(t, testTime.Add(5*time.Second), got[2].CreatedAt)

	fx.primary.On("Len", ctx, "u2").Return(3, nil)
	fx.secondary.On("Len", ctx, "u2").Return(2, nil)
	n, err := fx.store.Len(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDrain_OneStoreFails(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	s := []events.QueuedNotification{{UserID: "u1", Sequence: 3, CreatedAt: testTime}}
	fx.primary.On("Drain", ctx, "u1").Return(nil, errTest)
	fx.secondary.On("Drain", ctx, "u1").Return(s, nil)

	got, err := fx.store.Drain(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestDrain_BothFail(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	fx.primary.On("Drain", ctx, "u1").Return(nil, errTest)
	fx.secondary.On("Drain", ctx, "u1").Return(nil, errTest)

	_, err := fx.store.Drain(ctx, "u1")
	assert.Error(t, err)
}

func TestLen_Sums(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	fx.primary.On("Len", ctx, "u1").Return(2, nil)
	fx.secondary.On("Len", ctx, "u1").Return(1, nil)

	n, err := fx.store.Len(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
