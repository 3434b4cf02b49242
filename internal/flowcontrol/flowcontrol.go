// Package flowcontrol implements the bus's admission control (spec.md
// §4.5): a sliding-window rate limiter gates overall throughput, and a
// priority-ordered admission queue serializes access once the limiter is
// saturated, so higher-priority envelopes are released first.
package flowcontrol

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/relaygrid/core/internal/buserr"
)

// subWindows is the number of sub-buckets the sliding window is divided
// into (spec.md §4.5: "ten sub-windows"), trading memory for smoother
// rate estimation than a single fixed window.
const subWindows = 10

// slidingWindow counts admissions over a rolling period using subWindows
// buckets, each covering period/subWindows.
type slidingWindow struct {
	mu      sync.Mutex
	period  time.Duration
	limit   int
	buckets []int
	start   time.Time
}

func newSlidingWindow(limit int, period time.Duration) *slidingWindow {
	return &slidingWindow{
		period:  period,
		limit:   limit,
		buckets: make([]int, subWindows),
		start:   time.Now(),
	}
}

func (w *slidingWindow) bucketWidth() time.Duration { return w.period / subWindows }

// advance rotates out buckets older than the window, zeroing them.
func (w *slidingWindow) advance(now time.Time) {
	width := w.bucketWidth()
	if width <= 0 {
		return
	}
	elapsedBuckets := int(now.Sub(w.start) / width)
	if elapsedBuckets <= 0 {
		return
	}
	if elapsedBuckets >= subWindows {
		for i := range w.buckets {
			w.buckets[i] = 0
		}
		w.start = now
		return
	}
	for i := 0; i < elapsedBuckets; i++ {
		w.buckets = append(w.buckets[1:], 0)
	}
	w.start = w.start.Add(time.Duration(elapsedBuckets) * width)
}

func (w *slidingWindow) count() int {
	n := 0
	for _, c := range w.buckets {
		n += c
	}
	return n
}

// tryAdmit reports whether one more admission fits within the limit,
// recording it if so.
func (w *slidingWindow) tryAdmit() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance(time.Now())
	if w.count() >= w.limit {
		return false
	}
	w.buckets[len(w.buckets)-1]++
	return true
}

func (w *slidingWindow) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buckets[len(w.buckets)-1] > 0 {
		w.buckets[len(w.buckets)-1]--
	}
}

// waiter is one queued admission request.
type waiter struct {
	priority int
	seq      int
	index    int
	ready    chan struct{}
	cancel   chan struct{}
}

// waiterHeap is a max-heap on (priority, FIFO within priority).
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *waiterHeap) Push(x interface{}) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// Controller admits work against a rate limit, queueing excess requests
// by priority once the limiter is saturated.
type Controller struct {
	window *slidingWindow

	mu          sync.Mutex
	queue       waiterHeap
	seq         int
	inFlight    int
	maxInFlight int
	maxWait     time.Duration

	backpressure chan struct{}
}

// Config configures a Controller.
type Config struct {
	// Limit caps admissions per Period.
	Limit int
	// Period is the sliding-window duration.
	Period time.Duration
	// MaxInFlight additionally bounds concurrently-admitted work
	// (0 = unbounded beyond the rate limit itself).
	MaxInFlight int
	// MaxWait bounds how long a blocking Admit call may sit in the
	// priority queue before giving up (0 = wait indefinitely, bounded
	// only by ctx).
	MaxWait time.Duration
}

// New builds a Controller from cfg.
func New(cfg Config) *Controller {
	c := &Controller{
		window:       newSlidingWindow(cfg.Limit, cfg.Period),
		maxInFlight:  cfg.MaxInFlight,
		maxWait:      cfg.MaxWait,
		backpressure: make(chan struct{}, 1),
	}
	heap.Init(&c.queue)
	return c
}

// Admit blocks until capacity is available for priority (higher values
// go first among queued waiters), the context is cancelled, Config.MaxWait
// elapses, or there is room immediately. If nonBlocking is set (from the
// envelope's own NonBlocking flag), Admit never queues: it either admits
// immediately or rejects.
func (c *Controller) Admit(ctx context.Context, priority int, nonBlocking bool) error {
	if c.tryAdmitNow() {
		return nil
	}
	if nonBlocking {
		return buserr.New(buserr.Rejected, "flow control: no capacity available for non-blocking envelope")
	}

	c.signalBackpressure()

	waitCtx := ctx
	if c.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.maxWait)
		defer cancel()
	}

	w := &waiter{priority: priority, ready: make(chan struct{}), cancel: make(chan struct{})}
	c.mu.Lock()
	c.seq++
	w.seq = c.seq
	heap.Push(&c.queue, w)
	c.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-waitCtx.Done():
		c.cancelWaiter(w)
		if ctx.Err() != nil {
			return buserr.Wrap(buserr.Cancelled, "flow control admission cancelled", ctx.Err())
		}
		return buserr.Wrap(buserr.Timeout, "flow control admission exceeded max wait", waitCtx.Err())
	}
}

func (c *Controller) tryAdmitNow() bool {
	c.mu.Lock()
	if c.maxInFlight > 0 && c.inFlight >= c.maxInFlight {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if !c.window.tryAdmit() {
		return false
	}
	c.mu.Lock()
	c.inFlight++
	c.mu.Unlock()
	return true
}

// cancelWaiter removes w from the queue using its heap index
// (heap.Remove, O(log n)), if it hasn't already been popped and admitted
// by Release.
func (c *Controller) cancelWaiter(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.index >= 0 && w.index < len(c.queue) && c.queue[w.index] == w {
		heap.Remove(&c.queue, w.index)
	}
}

// Release returns one unit of admitted capacity, promoting the next
// queued waiter (if any and if the window now has room).
func (c *Controller) Release() {
	c.window.release()
	c.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if c.queue.Len() == 0 {
			c.mu.Unlock()
			return
		}
		if c.maxInFlight > 0 && c.inFlight >= c.maxInFlight {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if !c.window.tryAdmit() {
			return
		}
		c.mu.Lock()
		if c.queue.Len() == 0 {
			c.window.release()
			c.mu.Unlock()
			return
		}
		w := heap.Pop(&c.queue).(*waiter)
		c.inFlight++
		c.mu.Unlock()

		close(w.ready)
		return
	}
}

// signalBackpressure emits a non-blocking soft-backpressure signal a
// producer can select on to slow down without hard-failing admission.
func (c *Controller) signalBackpressure() {
	select {
	case c.backpressure <- struct{}{}:
	default:
	}
}

// Backpressure returns a channel that receives a value whenever the
// controller had to queue an admission.
func (c *Controller) Backpressure() <-chan struct{} { return c.backpressure }

// QueueLen reports how many admissions are currently queued.
func (c *Controller) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}
