package retryqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/gobus/core"
)

// Error codes carried by QueueError.
const (
	CodeQueueFull = "QUEUE_FULL"
)

// QueueError describes a queue admission failure.
type QueueError struct {
	Code        string
	CurrentSize int
	MaxSize     int
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("retry queue %s: size %d of %d", e.Code, e.CurrentSize, e.MaxSize)
}

// QueuedMessage is one failed publish awaiting retry.
type QueuedMessage struct {
	ID          string
	Channel     string
	Payload     []byte
	Attempts    int
	NextRetryAt time.Time
	CreatedAt   time.Time
	LastError   string
}

// PublishFunc retries one message. The queue calls it from scheduler
// goroutines, so it must be safe for concurrent use.
type PublishFunc func(ctx context.Context, channel string, payload []byte) error

// DeadLetterFunc receives messages that exhausted their retries.
type DeadLetterFunc func(channel string, payload []byte, err error, attempts int)

// QueueConfig configures the retry queue.
type QueueConfig struct {
	// MaxSize caps held messages. Default 1000.
	MaxSize int

	// MaxAttempts bounds retries per message. Default 5.
	MaxAttempts int

	// Interval is the scheduler wake period. Default 1s.
	Interval time.Duration

	// Concurrency bounds parallel retries per wake. Default 4.
	Concurrency int

	// BaseDelay feeds the backoff strategy. Default 500ms.
	BaseDelay time.Duration

	// Backoff computes retry spacing. Default exponential.
	Backoff Strategy

	// RemoveDuplicates derives ids from content so re-enqueueing the
	// same payload on the same channel is a no-op.
	RemoveDuplicates bool

	// OnDeadLetter is invoked exactly once per exhausted message.
	OnDeadLetter DeadLetterFunc

	Logger  core.Logger
	Metrics core.Metrics
}

// DefaultQueueConfig returns sensible defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxSize:     1000,
		MaxAttempts: 5,
		Interval:    time.Second,
		Concurrency: 4,
		BaseDelay:   500 * time.Millisecond,
		Backoff:     ExponentialBackoff,
	}
}

// Queue holds failed publishes and retries them in the background.
type Queue struct {
	config  QueueConfig
	publish PublishFunc
	logger  core.Logger
	metrics core.Metrics

	mu       sync.Mutex
	messages map[string]*QueuedMessage
	inFlight map[string]bool

	stop    chan struct{}
	done    chan struct{}
	started bool
}

// NewQueue creates a stopped retry queue that retries via publish.
func NewQueue(config QueueConfig, publish PublishFunc) *Queue {
	defaults := DefaultQueueConfig()
	if config.MaxSize <= 0 {
		config.MaxSize = defaults.MaxSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.Backoff == nil {
		config.Backoff = defaults.Backoff
	}
	return &Queue{
		config:   config,
		publish:  publish,
		logger:   core.EnsureLogger(config.Logger),
		metrics:  core.EnsureMetrics(config.Metrics),
		messages: make(map[string]*QueuedMessage),
		inFlight: make(map[string]bool),
	}
}

// Enqueue admits a failed publish for background retry. The first retry
// is scheduled one backoff interval out.
func (q *Queue) Enqueue(channel string, payload []byte, cause error) error {
	id := q.messageID(channel, payload)

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.messages[id]; exists {
		// Duplicate under content-derived ids is a no-op.
		return nil
	}
	if len(q.messages) >= q.config.MaxSize {
		return &QueueError{
			Code:        CodeQueueFull,
			CurrentSize: len(q.messages),
			MaxSize:     q.config.MaxSize,
		}
	}

	now := time.Now()
	msg := &QueuedMessage{
		ID:          id,
		Channel:     channel,
		Payload:     payload,
		NextRetryAt: now.Add(q.config.Backoff(1, q.config.BaseDelay)),
		CreatedAt:   now,
	}
	if cause != nil {
		msg.LastError = cause.Error()
	}
	q.messages[id] = msg

	q.logger.Debug("Message enqueued for retry", map[string]interface{}{
		"message_id": id,
		"channel":    channel,
		"queue_size": len(q.messages),
	})
	q.metrics.Counter(context.Background(), "retry_queue.enqueued", 1, map[string]string{"channel": channel})
	return nil
}

func (q *Queue) messageID(channel string, payload []byte) string {
	if !q.config.RemoveDuplicates {
		return uuid.NewString()
	}
	h := sha256.New()
	h.Write([]byte(channel))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Size returns the number of held messages.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Start launches the scheduler. Idempotent.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	go q.run(q.stop, q.done)
}

// Stop halts the scheduler and waits for in-flight retries. Idempotent.
// Held messages remain queued and resume on the next Start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	stop := q.stop
	done := q.done
	q.mu.Unlock()

	close(stop)
	<-done
}

func (q *Queue) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			q.processDue()
		}
	}
}

// processDue retries every message whose NextRetryAt has passed, at
// most Concurrency in parallel.
func (q *Queue) processDue() {
	now := time.Now()

	q.mu.Lock()
	var due []*QueuedMessage
	for id, msg := range q.messages {
		if q.inFlight[id] || msg.NextRetryAt.After(now) {
			continue
		}
		q.inFlight[id] = true
		due = append(due, msg)
	}
	q.mu.Unlock()

	if len(due) == 0 {
		return
	}

	sem := make(chan struct{}, q.config.Concurrency)
	var wg sync.WaitGroup
	for _, msg := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(m *QueuedMessage) {
			defer wg.Done()
			defer func() { <-sem }()
			q.attempt(m)
		}(msg)
	}
	wg.Wait()
}

func (q *Queue) attempt(msg *QueuedMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), q.config.Interval)
	err := q.publish(ctx, msg.Channel, msg.Payload)
	cancel()

	q.mu.Lock()
	delete(q.inFlight, msg.ID)

	if err == nil {
		delete(q.messages, msg.ID)
		q.mu.Unlock()
		q.logger.Debug("Queued message republished", map[string]interface{}{
			"message_id": msg.ID,
			"channel":    msg.Channel,
			"attempts":   msg.Attempts + 1,
		})
		q.metrics.Counter(context.Background(), "retry_queue.recovered", 1, map[string]string{"channel": msg.Channel})
		return
	}

	msg.Attempts++
	msg.LastError = err.Error()

	if msg.Attempts >= q.config.MaxAttempts {
		delete(q.messages, msg.ID)
		q.mu.Unlock()

		q.logger.Error("Queued message exhausted retries", map[string]interface{}{
			"message_id":   msg.ID,
			"channel":      msg.Channel,
			"attempts":     msg.Attempts,
			"max_attempts": q.config.MaxAttempts,
			"error":        err,
		})
		q.metrics.Counter(context.Background(), "retry_queue.dead_letter", 1, map[string]string{"channel": msg.Channel})
		if q.config.OnDeadLetter != nil {
			q.config.OnDeadLetter(msg.Channel, msg.Payload, err, msg.Attempts)
		}
		return
	}

	msg.NextRetryAt = time.Now().Add(q.config.Backoff(msg.Attempts, q.config.BaseDelay))
	q.mu.Unlock()
}
