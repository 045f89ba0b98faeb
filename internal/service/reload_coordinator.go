package service

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rune-labs/rune/internal/domain/fact"
	"github.com/rune-labs/rune/internal/domain/policy"
	"github.com/rune-labs/rune/internal/domain/rules"
	"github.com/rune-labs/rune/internal/metrics"
)

// ReloadEventKind classifies the outcome of a reload attempt.
type ReloadEventKind string

const (
	// ReloadSucceeded: the new configuration was installed.
	ReloadSucceeded ReloadEventKind = "success"
	// ReloadParseFailed: the source text was malformed; previous state
	// kept.
	ReloadParseFailed ReloadEventKind = "parse_failed"
	// ReloadValidationFailed: the parsed configuration was structurally
	// invalid (stratification, range restriction, policy schema);
	// previous state kept.
	ReloadValidationFailed ReloadEventKind = "validation_failed"
	// ReloadSkipped: the request was superseded by a newer one inside
	// the debounce window.
	ReloadSkipped ReloadEventKind = "skipped"
)

// ReloadEvent is one observable reload outcome.
type ReloadEvent struct {
	ID        string
	Kind      ReloadEventKind
	Source    string
	Timestamp time.Time
	Error     string
}

// ReloadRequest carries new configuration source text. A nil field
// leaves the corresponding configuration untouched; at least one must
// be set. Ground clauses in the rule source are inserted as facts.
type ReloadRequest struct {
	Source   string
	Rules    *string
	Policies *string
}

// ReloadCoordinator debounces reload requests, parses and validates
// off the reader threads, installs atomically through the engine, and
// reports every outcome to subscribers. Requests arriving inside the
// settling window supersede the pending one; only the most recent
// content is loaded.
type ReloadCoordinator struct {
	engine   *Engine
	debounce time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	offers chan ReloadRequest
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	subMu   sync.Mutex
	subs    map[int]chan ReloadEvent
	nextSub int
}

// NewReloadCoordinator creates and starts a coordinator. Close releases
// its background goroutine.
func NewReloadCoordinator(engine *Engine, debounce time.Duration, logger *slog.Logger, m *metrics.Metrics) *ReloadCoordinator {
	if m == nil {
		m = metrics.Nop()
	}
	c := &ReloadCoordinator{
		engine:   engine,
		debounce: debounce,
		logger:   logger,
		metrics:  m,
		offers:   make(chan ReloadRequest, 16),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		subs:     make(map[int]chan ReloadEvent),
	}
	go c.run()
	return c
}

// Offer submits a reload request into the debounce window. It never
// blocks the caller: if the coordinator is saturated or closed the
// request is dropped with a log line.
func (c *ReloadCoordinator) Offer(req ReloadRequest) {
	select {
	case c.offers <- req:
	case <-c.stop:
		c.logger.Warn("reload offer after close", "source", req.Source)
	default:
		c.logger.Warn("reload offer dropped, coordinator saturated", "source", req.Source)
	}
}

// ReloadNow installs already-parsed configuration immediately,
// bypassing the debounce window. At least one of rs, ps must be
// non-nil.
func (c *ReloadCoordinator) ReloadNow(rs *rules.RuleSet, ps *policy.Set, source string) error {
	if err := c.engine.Install(rs, ps); err != nil {
		return err
	}
	c.publish(ReloadSucceeded, source, "")
	return nil
}

// Subscribe returns a channel of reload events and a cancel function.
// Slow subscribers lose events rather than stalling the coordinator.
func (c *ReloadCoordinator) Subscribe() (<-chan ReloadEvent, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan ReloadEvent, 32)
	c.subs[id] = ch
	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close stops the background goroutine and waits for it to exit. A
// pending debounced request is dropped.
func (c *ReloadCoordinator) Close() {
	c.once.Do(func() { close(c.stop) })
	<-c.done
}

// run owns the debounce state machine: an offer moves Idle to Pending
// and (re)arms the timer; further offers inside the window supersede
// the pending request; timer expiry parses, validates, and installs.
func (c *ReloadCoordinator) run() {
	defer close(c.done)
	var pending *ReloadRequest
	var fire <-chan time.Time
	for {
		select {
		case req := <-c.offers:
			if pending != nil {
				c.publish(ReloadSkipped, pending.Source, "superseded within debounce window")
			}
			pending = &req
			t := time.NewTimer(c.debounce)
			fire = t.C
		case <-fire:
			req := pending
			pending = nil
			fire = nil
			c.process(req)
		case <-c.stop:
			return
		}
	}
}

// process parses and validates off the hot path, then installs. Any
// failure keeps the previous configuration serving traffic.
func (c *ReloadCoordinator) process(req *ReloadRequest) {
	if req == nil {
		return
	}
	if req.Rules == nil && req.Policies == nil {
		c.publish(ReloadValidationFailed, req.Source, "reload carries neither rules nor policies")
		return
	}

	var rs *rules.RuleSet
	var seedFacts []fact.Fact
	if req.Rules != nil {
		ruleList, facts, err := rules.Parse(*req.Rules)
		if err != nil {
			c.publish(ReloadParseFailed, req.Source, err.Error())
			return
		}
		rs, err = rules.NewRuleSet(ruleList)
		if err != nil {
			c.publish(ReloadValidationFailed, req.Source, err.Error())
			return
		}
		seedFacts = facts
	}

	var ps *policy.Set
	if req.Policies != nil {
		parsed, err := policy.ParseDocument([]byte(*req.Policies))
		if err != nil {
			c.publish(ReloadParseFailed, req.Source, err.Error())
			return
		}
		ps, err = policy.NewSet(parsed)
		if err != nil {
			c.publish(ReloadValidationFailed, req.Source, err.Error())
			return
		}
	}

	if len(seedFacts) > 0 {
		if _, err := c.engine.InsertFacts(seedFacts); err != nil {
			c.publish(ReloadValidationFailed, req.Source, fmt.Sprintf("seed facts: %v", err))
			return
		}
	}
	if err := c.engine.Install(rs, ps); err != nil {
		c.publish(ReloadValidationFailed, req.Source, err.Error())
		return
	}
	c.publish(ReloadSucceeded, req.Source, "")
}

// publish fans an event out to subscribers and the log, and counts it.
func (c *ReloadCoordinator) publish(kind ReloadEventKind, source, errDetail string) {
	ev := ReloadEvent{
		ID:        uuid.New().String(),
		Kind:      kind,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Error:     errDetail,
	}
	c.metrics.Reloads.WithLabelValues(string(kind)).Inc()
	if kind == ReloadSucceeded || kind == ReloadSkipped {
		c.logger.Info("reload", "kind", kind, "source", source)
	} else {
		c.logger.Warn("reload failed", "kind", kind, "source", source, "error", errDetail)
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is not draining; drop rather than block.
		}
	}
}
