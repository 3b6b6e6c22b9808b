package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/tradehook/internal/types"
)

// ErrShuttingDown is returned when new work arrives after drain has begun.
var ErrShuttingDown = errors.New("worker is shutting down")

const heartbeatPrefix = "task_heartbeat:"

// Manager registers units of work that must survive a process crash cleanly.
// Each tracked task gets a durable registration row plus a cache heartbeat
// with a TTL; a crashed process stops refreshing its heartbeats, which is
// what the reconciler detects.
type Manager struct {
	client   *redis.Client
	db       *Database
	workerID string

	heartbeatTTL      time.Duration
	heartbeatInterval time.Duration

	mu       sync.Mutex
	draining bool
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager creates a lifecycle manager identified by hostname and pid.
func NewManager(client *redis.Client, db *gorm.DB, heartbeatTTL, heartbeatInterval time.Duration) *Manager {
	hostname, _ := os.Hostname()
	return &Manager{
		client:            client,
		db:                NewDatabase(db),
		workerID:          fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		heartbeatTTL:      heartbeatTTL,
		heartbeatInterval: heartbeatInterval,
		inflight:          make(map[string]context.CancelFunc),
	}
}

// WorkerID returns this process's worker identity.
func (m *Manager) WorkerID() string {
	return m.workerID
}

// Track registers a unit of work and runs fn in its own goroutine with a
// heartbeat refreshed until fn returns. Returns ErrShuttingDown once drain
// has begun.
func (m *Manager) Track(taskType, correlationID string, fn func(ctx context.Context)) (string, error) {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return "", ErrShuttingDown
	}
	taskID := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	m.inflight[taskID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	reg := &types.WorkerRegistration{
		TaskID:        taskID,
		TaskType:      taskType,
		WorkerID:      m.workerID,
		CorrelationID: correlationID,
		StartedAt:     time.Now(),
	}
	if err := m.db.CreateRegistration(reg); err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to register work unit")
	}
	m.beat(ctx, taskID)

	go func() {
		defer m.wg.Done()
		defer cancel()

		stopBeat := make(chan struct{})
		go m.heartbeatLoop(ctx, taskID, stopBeat)

		defer func() {
			close(stopBeat)
			m.finish(taskID)
		}()
		fn(ctx)
	}()

	return taskID, nil
}

func (m *Manager) heartbeatLoop(ctx context.Context, taskID string, stop <-chan struct{}) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.beat(ctx, taskID)
		}
	}
}

func (m *Manager) beat(ctx context.Context, taskID string) {
	if err := m.client.Set(ctx, heartbeatPrefix+taskID, m.workerID, m.heartbeatTTL).Err(); err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Msg("failed to refresh task heartbeat")
	}
}

func (m *Manager) finish(taskID string) {
	m.mu.Lock()
	delete(m.inflight, taskID)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.db.CompleteRegistration(taskID); err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Msg("failed to complete work registration")
	}
	if err := m.client.Del(ctx, heartbeatPrefix+taskID).Err(); err != nil {
		log.Debug().Err(err).Str("task_id", taskID).Msg("failed to delete task heartbeat")
	}
}

// Shutdown stops accepting new work, then waits for in-flight work up to the
// context deadline. Work still running at the deadline keeps its registration
// open for the reconciler to flag.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	inflight := len(m.inflight)
	m.mu.Unlock()

	log.Info().Int("inflight", inflight).Str("worker_id", m.workerID).Msg("draining in-flight work")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Str("worker_id", m.workerID).Msg("all in-flight work drained")
		return nil
	case <-ctx.Done():
		log.Warn().Str("worker_id", m.workerID).Msg("shutdown deadline reached with work still in flight")
		return ctx.Err()
	}
}
