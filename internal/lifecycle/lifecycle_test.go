package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ksred/tradehook/internal/alerts"
	"github.com/ksred/tradehook/internal/types"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.WorkerRegistration{}, &types.Order{}))
	return db
}

func newTestManager(t *testing.T) (*Manager, *gorm.DB, *miniredis.Miniredis) {
	t.Helper()
	db := newTestDB(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewManager(client, db, 30*time.Second, 10*time.Second), db, mr
}

func TestTrackRegistersAndCompletes(t *testing.T) {
	m, db, mr := newTestManager(t)

	done := make(chan struct{})
	taskID, err := m.Track("webhook_processing", "corr-1", func(ctx context.Context) {
		<-done
	})
	require.NoError(t, err)

	var reg types.WorkerRegistration
	require.NoError(t, db.Where("task_id = ?", taskID).First(&reg).Error)
	assert.Equal(t, "webhook_processing", reg.TaskType)
	assert.Equal(t, m.WorkerID(), reg.WorkerID)
	assert.Nil(t, reg.CompletedAt)
	assert.True(t, mr.Exists(heartbeatPrefix+taskID), "heartbeat published at registration")

	close(done)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	require.NoError(t, db.Where("task_id = ?", taskID).First(&reg).Error)
	assert.NotNil(t, reg.CompletedAt)
	assert.False(t, mr.Exists(heartbeatPrefix+taskID), "heartbeat removed on completion")
}

func TestTrackRejectedWhileDraining(t *testing.T) {
	m, _, _ := newTestManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	_, err := m.Track("webhook_processing", "corr-1", func(ctx context.Context) {})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownWaitsForInflightWork(t *testing.T) {
	m, _, _ := newTestManager(t)

	var mu sync.Mutex
	finished := false
	_, err := m.Track("webhook_processing", "corr-1", func(ctx context.Context) {
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		finished = true
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, finished, "drain waits for tracked work")
}

func TestShutdownDeadlineLeavesRegistrationOpen(t *testing.T) {
	m, db, _ := newTestManager(t)

	release := make(chan struct{})
	defer close(release)
	taskID, err := m.Track("webhook_processing", "corr-1", func(ctx context.Context) {
		<-release
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, m.Shutdown(ctx))

	var reg types.WorkerRegistration
	require.NoError(t, db.Where("task_id = ?", taskID).First(&reg).Error)
	assert.Nil(t, reg.CompletedAt, "unfinished work stays open for the reconciler")
}

type captureEmitter struct {
	mu     sync.Mutex
	events []alerts.Event
}

func (c *captureEmitter) Emit(_ context.Context, event alerts.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureEmitter) byType(eventType string) []alerts.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []alerts.Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func TestReconcilerFlagsOrphanedWork(t *testing.T) {
	db := newTestDB(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	emitter := &captureEmitter{}

	// a registration from a worker that died: no heartbeat, old start time
	require.NoError(t, db.Create(&types.WorkerRegistration{
		TaskID:    "task-dead",
		TaskType:  "webhook_processing",
		WorkerID:  "crashed-host-1",
		StartedAt: time.Now().Add(-10 * time.Minute),
	}).Error)

	// a live registration with a heartbeat
	require.NoError(t, db.Create(&types.WorkerRegistration{
		TaskID:    "task-live",
		TaskType:  "webhook_processing",
		WorkerID:  "healthy-host",
		StartedAt: time.Now().Add(-10 * time.Minute),
	}).Error)
	require.NoError(t, client.Set(context.Background(), heartbeatPrefix+"task-live", "healthy-host", time.Minute).Err())

	r := NewReconciler(db, client, emitter, time.Minute, 5*time.Minute)
	require.NoError(t, r.Scan(context.Background()))

	orphanAlerts := emitter.byType(alerts.TypeOrphanedWork)
	require.Len(t, orphanAlerts, 1)
	assert.Equal(t, "task-dead", orphanAlerts[0].Context["task_id"])

	var reg types.WorkerRegistration
	require.NoError(t, db.Where("task_id = ?", "task-dead").First(&reg).Error)
	assert.True(t, reg.Orphaned)

	// flagged work is not re-alerted on the next pass
	require.NoError(t, r.Scan(context.Background()))
	assert.Len(t, emitter.byType(alerts.TypeOrphanedWork), 1)
}

func TestReconcilerSkipsFreshRegistrations(t *testing.T) {
	db := newTestDB(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	emitter := &captureEmitter{}

	require.NoError(t, db.Create(&types.WorkerRegistration{
		TaskID:    "task-new",
		TaskType:  "webhook_processing",
		WorkerID:  "host-1",
		StartedAt: time.Now(),
	}).Error)

	r := NewReconciler(db, client, emitter, time.Minute, 5*time.Minute)
	require.NoError(t, r.Scan(context.Background()))

	assert.Empty(t, emitter.byType(alerts.TypeOrphanedWork), "new work gets time to publish its heartbeat")
}

func TestReconcilerAlertsStalePendingOrders(t *testing.T) {
	db := newTestDB(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	emitter := &captureEmitter{}

	require.NoError(t, db.Create(&types.Order{
		OrderID: "ord-stuck", CorrelationID: "corr-1", AccountID: "acct-1",
		Symbol: "AAPL", Side: types.SideBuy, OrderType: "MARKET",
		Quantity: 10, TimeInForce: "GTC", Status: types.OrderPending,
		CreatedAt: time.Now().Add(-10 * time.Minute),
	}).Error)
	require.NoError(t, db.Create(&types.Order{
		OrderID: "ord-live", CorrelationID: "corr-2", AccountID: "acct-1",
		Symbol: "AAPL", Side: types.SideBuy, OrderType: "MARKET",
		Quantity: 10, TimeInForce: "GTC", Status: types.OrderSubmitted,
		CreatedAt: time.Now().Add(-10 * time.Minute),
	}).Error)

	r := NewReconciler(db, client, emitter, time.Minute, 5*time.Minute)
	require.NoError(t, r.Scan(context.Background()))

	stale := emitter.byType(alerts.TypeStalePendingOrder)
	require.Len(t, stale, 1)
	assert.Equal(t, "ord-stuck", stale[0].Context["order_id"])
}
