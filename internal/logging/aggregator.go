package logging

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Aggregator counts chatty per-chat events (typing refreshes, sent messages,
// skipped updates) and logs one event_summary per event each interval with
// the number of chats involved and the busiest one.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	counts map[string]*eventCount // keyed by component + "." + event

	running bool
	stop    chan struct{}
	done    chan struct{}
}

type eventCount struct {
	component string
	event     string
	total     int64
	perChat   map[int64]int64
	since     time.Time
}

// NewAggregator creates an aggregator that flushes every intervalSecs
// seconds. With a nil logger, counts are discarded at flush.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		now:      time.Now,
		counts:   make(map[string]*eventCount),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the flush loop in the background.
func (a *Aggregator) Start() {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()

	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flush()
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop ends the flush loop, if any, and writes what is left.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	running := a.running
	a.running = false
	a.mu.Unlock()

	if running {
		close(a.stop)
		<-a.done
	}
	a.flush()
}

// Record counts one occurrence of event for chatID. chatID 0 means the event
// is not tied to a chat.
func (a *Aggregator) Record(component, event string, chatID int64) {
	key := component + "." + event

	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.counts[key]
	if !ok {
		c = &eventCount{component: component, event: event, perChat: make(map[int64]int64), since: a.now()}
		a.counts[key] = c
	}
	c.total++
	if chatID != 0 {
		c.perChat[chatID]++
	}
}

// Pending returns how often event was recorded since the last flush.
func (a *Aggregator) Pending(component, event string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.counts[component+"."+event]; ok {
		return c.total
	}
	return 0
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	counts := a.counts
	a.counts = make(map[string]*eventCount)
	a.mu.Unlock()

	if a.logger == nil || len(counts) == 0 {
		return
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := a.now()
	for _, k := range keys {
		c := counts[k]
		attrs := []any{
			slog.String("component", c.component),
			slog.String("event", c.event),
			slog.Int64("count", c.total),
			slog.Duration("window", now.Sub(c.since)),
		}
		if len(c.perChat) > 0 {
			chat, n := c.busiest()
			attrs = append(attrs,
				slog.Int("chats", len(c.perChat)),
				slog.Int64("busiest_chat", chat),
				slog.Int64("busiest_count", n))
		}
		a.logger.Info("event_summary", attrs...)
	}
}

// busiest returns the chat with the most occurrences, lowest id on ties.
func (c *eventCount) busiest() (int64, int64) {
	var chat, best int64
	for id, n := range c.perChat {
		if n > best || (n == best && id < chat) {
			chat, best = id, n
		}
	}
	return chat, best
}
