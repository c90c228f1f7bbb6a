package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// WebhookEvent is an escrow event waiting to be fanned out to subscribers.
type WebhookEvent struct {
	EscrowID   uint64
	Sequence   uint64
	Type       string
	Attributes map[string]string
	CreatedAt  time.Time
}

// WebhookTask is either a fan-out request (nil Subscription) or one delivery.
type WebhookTask struct {
	Event        WebhookEvent
	Subscription *WebhookSubscription
	Attempt      int
	NotBefore    time.Time
}

// laneKey identifies an ordered delivery stream: one escrow towards one
// subscription. Fan-out tasks use webhook 0.
type laneKey struct {
	escrow  uint64
	webhook int64
}

func laneFor(task WebhookTask) laneKey {
	key := laneKey{escrow: task.Event.EscrowID}
	if task.Subscription != nil {
		key.webhook = task.Subscription.ID
	}
	return key
}

type eventKey struct {
	escrow uint64
	seq    uint64
}

type queuedTask struct {
	task       WebhookTask
	enqueuedAt time.Time
	order      uint64
}

// deliveryLane holds the pending tasks of one lane sorted by event sequence.
// A busy lane has a task checked out by a worker.
type deliveryLane struct {
	tasks []queuedTask
	busy  bool
}

func (l *deliveryLane) insert(qt queuedTask) {
	seq := qt.task.Event.Sequence
	i := sort.Search(len(l.tasks), func(i int) bool { return l.tasks[i].task.Event.Sequence > seq })
	l.tasks = append(l.tasks, queuedTask{})
	copy(l.tasks[i+1:], l.tasks[i:])
	l.tasks[i] = qt
}

func (l *deliveryLane) remove(i int) queuedTask {
	qt := l.tasks[i]
	copy(l.tasks[i:], l.tasks[i+1:])
	l.tasks[len(l.tasks)-1] = queuedTask{}
	l.tasks = l.tasks[:len(l.tasks)-1]
	return qt
}

type historyEntry struct {
	event      WebhookEvent
	enqueuedAt time.Time
}

// WebhookQueueOption adjusts the behaviour of the queue.
type WebhookQueueOption func(*webhookQueueConfig)

type webhookQueueConfig struct {
	taskCapacity    int
	historyCapacity int
	ttl             time.Duration
	now             func() time.Time
}

const (
	defaultTaskCapacity    = 256
	defaultHistoryCapacity = 1024
	defaultQueueTTL        = 10 * time.Minute

	idlePoll = 250 * time.Millisecond
)

func WithWebhookTaskCapacity(capacity int) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if capacity > 0 {
			cfg.taskCapacity = capacity
		}
	}
}

// WithWebhookHistoryCapacity sizes the window of recent events kept for
// inspection and duplicate suppression.
func WithWebhookHistoryCapacity(capacity int) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if capacity > 0 {
			cfg.historyCapacity = capacity
		}
	}
}

// WithWebhookTTL bounds how long a queued task stays deliverable.
func WithWebhookTTL(ttl time.Duration) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

func withWebhookClock(now func() time.Time) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// WebhookQueue orders webhook work per escrow. Tasks for one escrow and
// subscription are handed out one at a time in sequence order, so a retry
// holds back later events of the same escrow while other escrows proceed.
// The queue is bounded: on overflow the oldest task is dropped and counted.
type WebhookQueue struct {
	mu       sync.Mutex
	lanes    map[laneKey]*deliveryLane
	pending  int
	capacity int
	order    uint64
	history  queueRing[historyEntry]
	seen     map[eventKey]struct{}
	ttl      time.Duration
	now      func() time.Time
	wake     chan struct{}
	metrics  *webhookQueueMetrics
}

func NewWebhookQueue(opts ...WebhookQueueOption) *WebhookQueue {
	cfg := webhookQueueConfig{
		taskCapacity:    defaultTaskCapacity,
		historyCapacity: defaultHistoryCapacity,
		ttl:             defaultQueueTTL,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &WebhookQueue{
		lanes:    make(map[laneKey]*deliveryLane),
		capacity: cfg.taskCapacity,
		history:  newQueueRing[historyEntry](cfg.historyCapacity),
		seen:     make(map[eventKey]struct{}),
		ttl:      cfg.ttl,
		now:      cfg.now,
		wake:     make(chan struct{}, 1),
		metrics:  queueMetrics(),
	}
}

// Enqueue schedules fan-out of evt to matching subscriptions. An event whose
// (escrow, sequence) pair is still in the history window is ignored and
// Enqueue reports false.
func (q *WebhookQueue) Enqueue(evt WebhookEvent) bool {
	now := q.now()
	key := eventKey{escrow: evt.EscrowID, seq: evt.Sequence}
	q.mu.Lock()
	q.evictExpiredLocked(now)
	if q.history.capacity() > 0 {
		if _, dup := q.seen[key]; dup {
			q.mu.Unlock()
			q.metrics.recordDropped("duplicate", 1)
			return false
		}
		if dropped, evicted := q.history.push(historyEntry{event: evt, enqueuedAt: now}); evicted {
			delete(q.seen, eventKey{escrow: dropped.event.EscrowID, seq: dropped.event.Sequence})
		}
		q.seen[key] = struct{}{}
	}
	q.pushLocked(WebhookTask{Event: evt}, now)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *WebhookQueue) enqueueTask(task WebhookTask) {
	now := q.now()
	q.mu.Lock()
	q.evictExpiredLocked(now)
	q.pushLocked(task, now)
	q.mu.Unlock()
	q.signal()
}

func (q *WebhookQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Events returns the recently enqueued events, oldest first.
func (q *WebhookQueue) Events() []WebhookEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(q.now())
	snapshot := make([]WebhookEvent, 0, q.history.len())
	q.history.forEach(func(entry historyEntry) {
		snapshot = append(snapshot, entry.event)
	})
	return snapshot
}

// Pending reports the number of queued tasks, excluding checked-out ones.
func (q *WebhookQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Dequeue waits for the next deliverable task and checks out its lane until
// Done is called. It returns false once ctx is done.
func (q *WebhookQueue) Dequeue(ctx context.Context) (WebhookTask, bool) {
	for {
		q.mu.Lock()
		now := q.now()
		q.evictExpiredLocked(now)
		task, wait, ok := q.nextLocked(now)
		q.mu.Unlock()
		if ok {
			return task, true
		}
		if wait <= 0 || wait > idlePoll {
			wait = idlePoll
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return WebhookTask{}, false
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Done releases the lane of a task returned by Dequeue. Retries for the task
// must be enqueued before Done so they keep their place ahead of later events.
func (q *WebhookQueue) Done(task WebhookTask) {
	key := laneFor(task)
	q.mu.Lock()
	if lane, ok := q.lanes[key]; ok {
		lane.busy = false
		if len(lane.tasks) == 0 {
			delete(q.lanes, key)
		}
	}
	q.mu.Unlock()
	q.signal()
}

// nextLocked picks the oldest due head among idle lanes. When nothing is due
// it returns the time until the earliest scheduled head.
func (q *WebhookQueue) nextLocked(now time.Time) (WebhookTask, time.Duration, bool) {
	var (
		best     *deliveryLane
		wait     time.Duration
		haveWait bool
	)
	for _, lane := range q.lanes {
		if lane.busy || len(lane.tasks) == 0 {
			continue
		}
		head := lane.tasks[0]
		if delay := head.task.NotBefore.Sub(now); !head.task.NotBefore.IsZero() && delay > 0 {
			if !haveWait || delay < wait {
				wait, haveWait = delay, true
			}
			continue
		}
		if best == nil || head.order < best.tasks[0].order {
			best = lane
		}
	}
	if best == nil {
		return WebhookTask{}, wait, false
	}
	qt := best.remove(0)
	best.busy = true
	q.pending--
	return qt.task, 0, true
}

func (q *WebhookQueue) pushLocked(task WebhookTask, now time.Time) {
	if q.capacity <= 0 {
		q.metrics.recordDropped("overflow", 1)
		return
	}
	if q.pending >= q.capacity {
		q.dropOldestLocked()
	}
	key := laneFor(task)
	lane, ok := q.lanes[key]
	if !ok {
		lane = &deliveryLane{}
		q.lanes[key] = lane
	}
	q.order++
	lane.insert(queuedTask{task: task, enqueuedAt: now, order: q.order})
	q.pending++
}

func (q *WebhookQueue) dropOldestLocked() {
	var (
		victim *deliveryLane
		vkey   laneKey
		index  int
	)
	for key, lane := range q.lanes {
		for i, qt := range lane.tasks {
			if victim == nil || qt.order < victim.tasks[index].order {
				victim, vkey, index = lane, key, i
			}
		}
	}
	if victim == nil {
		return
	}
	victim.remove(index)
	q.pending--
	if len(victim.tasks) == 0 && !victim.busy {
		delete(q.lanes, vkey)
	}
	q.metrics.recordDropped("overflow", 1)
}

func (q *WebhookQueue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for key, lane := range q.lanes {
		kept := lane.tasks[:0]
		for _, qt := range lane.tasks {
			if now.Sub(qt.enqueuedAt) > q.ttl {
				expired++
				continue
			}
			kept = append(kept, qt)
		}
		for i := len(kept); i < len(lane.tasks); i++ {
			lane.tasks[i] = queuedTask{}
		}
		lane.tasks = kept
		if len(kept) == 0 && !lane.busy {
			delete(q.lanes, key)
		}
	}
	q.pending -= expired
	q.metrics.recordDropped("ttl", expired)
	for {
		entry, ok := q.history.peek()
		if !ok || now.Sub(entry.enqueuedAt) <= q.ttl {
			break
		}
		q.history.pop()
		delete(q.seen, eventKey{escrow: entry.event.EscrowID, seq: entry.event.Sequence})
	}
}

// head returns the next task of a lane without checking it out.
func (q *WebhookQueue) head(escrowID uint64, webhookID int64) (WebhookTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	lane, ok := q.lanes[laneKey{escrow: escrowID, webhook: webhookID}]
	if !ok || len(lane.tasks) == 0 {
		return WebhookTask{}, false
	}
	return lane.tasks[0].task, true
}

// queueRing is a fixed-size ring buffer that overwrites the oldest element on
// overflow.
type queueRing[T any] struct {
	buf  []T
	head int
	size int
}

func newQueueRing[T any](capacity int) queueRing[T] {
	if capacity <= 0 {
		return queueRing[T]{}
	}
	return queueRing[T]{buf: make([]T, capacity)}
}

func (r *queueRing[T]) push(v T) (T, bool) {
	var zero T
	if len(r.buf) == 0 {
		return zero, false
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	return zero, false
}

func (r *queueRing[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *queueRing[T]) peek() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *queueRing[T]) len() int      { return r.size }
func (r *queueRing[T]) capacity() int { return len(r.buf) }

func (r *queueRing[T]) forEach(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}

var (
	metricsOnce        sync.Once
	sharedQueueMetrics *webhookQueueMetrics
)

type webhookQueueMetrics struct {
	dropped metric.Int64Counter
}

func queueMetrics() *webhookQueueMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("veilescrow/escrow-gateway")
		counter, err := meter.Int64Counter("veil.escrow.webhooks.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("veilescrow/escrow-gateway")
			counter, _ = fallback.Int64Counter("veil.escrow.webhooks.dropped")
		}
		sharedQueueMetrics = &webhookQueueMetrics{dropped: counter}
	})
	return sharedQueueMetrics
}

func (m *webhookQueueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
