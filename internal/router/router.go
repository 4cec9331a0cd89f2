// Package router dispatches raw input records to per-symbol worker
// queues with bounded capacity and drop-on-full backpressure.
//
// Three strategies are supported: DIRECT reads the record's symbol
// field, HASH spreads records without a symbol across workers by
// content hash, and ROUND_ROBIN rotates through the workers.
package router

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"marketreplay/internal/health"
	"marketreplay/pkg/types"
)

// Message is the routed unit handed to a worker queue. A zero Message
// (nil Record) is the shutdown sentinel.
type Message struct {
	Symbol   string
	Record   types.RawRecord
	Sequence uint64
	RoutedAt time.Time
}

// Sentinel returns the shutdown sentinel for a symbol's queue.
func Sentinel(symbol string) Message { return Message{Symbol: symbol} }

// IsSentinel reports whether msg is a shutdown sentinel.
func (m Message) IsSentinel() bool { return m.Record == nil }

// Metrics is a snapshot of routing counters.
type Metrics struct {
	Routed           int64
	Dropped          int64
	Errors           int64
	LastRoutedAt     time.Time
	RoutedPerSymbol  map[string]int64
	DroppedPerSymbol map[string]int64
}

// Router owns the per-symbol queues. Route may be called from a single
// producer goroutine; queue consumers are the workers.
type Router struct {
	strategy          types.RoutingStrategy
	fullnessThreshold float64

	symbols []string // stable order for hash/round-robin
	queues  map[string]chan Message

	sequence atomic.Uint64
	rrIndex  atomic.Uint64

	mu               sync.Mutex
	routed           int64
	dropped          int64
	errors           int64
	lastRoutedAt     time.Time
	routedPerSymbol  map[string]int64
	droppedPerSymbol map[string]int64

	metrics *health.Metrics
	logger  *slog.Logger
}

// New creates a router with one bounded queue per symbol. metrics may
// be nil.
func New(symbols []string, queueSize int, strategy types.RoutingStrategy, fullnessThreshold float64, metrics *health.Metrics, logger *slog.Logger) (*Router, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("router requires at least one symbol")
	}
	ordered := make([]string, len(symbols))
	copy(ordered, symbols)
	sort.Strings(ordered)

	queues := make(map[string]chan Message, len(ordered))
	for _, s := range ordered {
		queues[s] = make(chan Message, queueSize)
	}
	return &Router{
		strategy:          strategy,
		fullnessThreshold: fullnessThreshold,
		symbols:           ordered,
		queues:            queues,
		routedPerSymbol:   make(map[string]int64),
		droppedPerSymbol:  make(map[string]int64),
		metrics:           metrics,
		logger:            logger.With("component", "router"),
	}, nil
}

// Queue returns the input queue for a symbol, or nil if unknown.
func (r *Router) Queue(symbol string) <-chan Message {
	return r.queues[symbol]
}

// Route dispatches one record. Returns false when the record was
// dropped: no resolvable symbol, unknown symbol, or a full queue.
func (r *Router) Route(record types.RawRecord) bool {
	symbol := r.resolveSymbol(record)
	if symbol == "" {
		r.countError()
		r.logger.Warn("record without resolvable symbol, dropping")
		return false
	}
	queue, ok := r.queues[symbol]
	if !ok {
		r.countDrop(symbol)
		r.logger.Warn("no worker for symbol, dropping", "symbol", symbol)
		return false
	}

	msg := Message{
		Symbol:   symbol,
		Record:   record,
		Sequence: r.sequence.Add(1),
		RoutedAt: time.Now(),
	}
	select {
	case queue <- msg:
		r.countRouted(symbol)
		return true
	default:
		r.countDrop(symbol)
		r.logger.Debug("queue full, dropping", "symbol", symbol)
		return false
	}
}

// RouteBatch dispatches a batch and returns how many records were
// accepted.
func (r *Router) RouteBatch(records []types.RawRecord) int {
	routed := 0
	for _, rec := range records {
		if r.Route(rec) {
			routed++
		}
	}
	return routed
}

// SendSentinels puts the shutdown sentinel on every queue. Blocks until
// each sentinel is enqueued so workers always observe it.
func (r *Router) SendSentinels() {
	for _, s := range r.symbols {
		r.queues[s] <- Sentinel(s)
	}
}

func (r *Router) resolveSymbol(record types.RawRecord) string {
	switch r.strategy {
	case types.RouteHash:
		h := fnv.New32a()
		fmt.Fprintf(h, "%v", record)
		return r.symbols[h.Sum32()%uint32(len(r.symbols))]
	case types.RouteRoundRobin:
		idx := r.rrIndex.Add(1) - 1
		return r.symbols[idx%uint64(len(r.symbols))]
	default: // DIRECT
		for _, key := range []string{"symbol", "s"} {
			if v, ok := record[key]; ok && v != nil {
				return fmt.Sprint(v)
			}
		}
		return ""
	}
}

// QueueDepths reports the current depth of every queue.
func (r *Router) QueueDepths() map[string]int {
	depths := make(map[string]int, len(r.queues))
	for s, q := range r.queues {
		depths[s] = len(q)
	}
	return depths
}

// BackpressureDetected reports whether any queue is at or above the
// fullness threshold.
func (r *Router) BackpressureDetected() bool {
	for s, q := range r.queues {
		if cap(q) == 0 {
			continue
		}
		if float64(len(q))/float64(cap(q)) >= r.fullnessThreshold {
			r.logger.Warn("backpressure detected",
				"symbol", s, "depth", len(q), "capacity", cap(q))
			return true
		}
	}
	return false
}

// Metrics returns a snapshot of the routing counters.
func (r *Router) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	routed := make(map[string]int64, len(r.routedPerSymbol))
	for k, v := range r.routedPerSymbol {
		routed[k] = v
	}
	dropped := make(map[string]int64, len(r.droppedPerSymbol))
	for k, v := range r.droppedPerSymbol {
		dropped[k] = v
	}
	return Metrics{
		Routed:           r.routed,
		Dropped:          r.dropped,
		Errors:           r.errors,
		LastRoutedAt:     r.lastRoutedAt,
		RoutedPerSymbol:  routed,
		DroppedPerSymbol: dropped,
	}
}

func (r *Router) countRouted(symbol string) {
	r.mu.Lock()
	r.routed++
	r.routedPerSymbol[symbol]++
	r.lastRoutedAt = time.Now()
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.RouterRouted.WithLabelValues(symbol).Inc()
	}
}

func (r *Router) countDrop(symbol string) {
	r.mu.Lock()
	r.dropped++
	r.droppedPerSymbol[symbol]++
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.RouterDropped.WithLabelValues(symbol).Inc()
	}
}

func (r *Router) countError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors++
}
