// Package knowledge owns the courier's shared state: orders, the active
// plan, the mission lifecycle and the accumulated metrics. The store is
// the single writer of that state; every other component reads the full
// snapshots it broadcasts on the bus after each change.
package knowledge

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"gridcourier/internal/bus"
	"gridcourier/internal/protocol"
	"gridcourier/internal/sim/grid"
)

// ValidationError rejects a whole patch; nothing was applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("knowledge: field %q: %s", e.Field, e.Reason)
}

// Store holds the knowledge record and serializes all writes.
type Store struct {
	log *log.Logger
	b   *bus.Bus
	now func() time.Time

	validHouse func(grid.Coord) bool

	mu          sync.Mutex
	s           protocol.KnowledgeSnapshot
	initialized bool
	nextOrder   int

	cancels []func()
}

type Option func(*Store)

func WithLogger(l *log.Logger) Option { return func(s *Store) { s.log = l } }

// WithClock injects the time source. Tests use it to drive the mission
// timeout deterministically.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithHouseValidator restricts which cells an order may target.
func WithHouseValidator(fn func(grid.Coord) bool) Option {
	return func(s *Store) { s.validHouse = fn }
}

func New(b *bus.Bus, opts ...Option) *Store {
	s := &Store{
		log:        log.New(os.Stdout, "[knowledge] ", log.LstdFlags|log.Lmicroseconds),
		b:          b,
		now:        time.Now,
		validHouse: func(grid.Coord) bool { return true },
		nextOrder:  1,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start subscribes the store to its input topics.
func (s *Store) Start() {
	s.cancels = append(s.cancels,
		s.b.Subscribe(bus.TopicSystemInit, s.onInit),
		s.b.Subscribe(bus.TopicSystemReset, s.onInit),
		s.b.Subscribe(bus.TopicUserAddOrder, s.onAddOrder),
		s.b.Subscribe(bus.TopicKnowledgePatch, s.onPatch),
	)
}

func (s *Store) Stop() {
	for _, c := range s.cancels {
		c()
	}
	s.cancels = nil
}

func (s *Store) stale(env bus.Envelope) bool {
	return env.Epoch < s.b.Epoch()
}

func (s *Store) onInit(env bus.Envelope) {
	msg, ok := env.Payload.(protocol.InitMsg)
	if !ok {
		s.log.Printf("init: bad payload %T", env.Payload)
		return
	}
	s.Init(msg)
}

func (s *Store) onAddOrder(env bus.Envelope) {
	if s.stale(env) {
		return
	}
	msg, ok := env.Payload.(protocol.AddOrderMsg)
	if !ok {
		s.log.Printf("add_order: bad payload %T", env.Payload)
		return
	}
	if _, err := s.AddOrder(msg); err != nil {
		s.log.Printf("add_order rejected: %v", err)
	}
}

func (s *Store) onPatch(env bus.Envelope) {
	if s.stale(env) {
		return
	}
	p, ok := env.Payload.(protocol.Patch)
	if !ok {
		s.log.Printf("patch: bad payload %T", env.Payload)
		return
	}
	if _, err := s.ApplyUpdate(p); err != nil {
		s.log.Printf("patch rejected: %v", err)
	}
}

// Init seeds a fresh record. Called at startup and on reset; everything
// including metrics starts over.
func (s *Store) Init(msg protocol.InitMsg) {
	s.mu.Lock()
	s.s = protocol.KnowledgeSnapshot{
		Base:           msg.Base,
		Capacity:       msg.Capacity,
		MissionTimeout: msg.Timeout,
		MissionState:   protocol.MissionIdle,
	}
	s.initialized = true
	s.nextOrder = 1
	s.mu.Unlock()
	s.broadcast()
	s.log.Printf("initialized base=%v capacity=%d timeout=%.0fs", msg.Base, msg.Capacity, msg.Timeout)
}

// Initialized reports whether Init has run in this epoch.
func (s *Store) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// AddOrder appends a pending order. A client-supplied id that already
// exists makes the call an idempotent no-op returning the stored order.
func (s *Store) AddOrder(msg protocol.AddOrderMsg) (protocol.Order, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return protocol.Order{}, fmt.Errorf("knowledge: not initialized")
	}
	if msg.OrderID != "" {
		if o := s.s.OrderByID(msg.OrderID); o != nil {
			out := *o
			s.mu.Unlock()
			return out, nil
		}
	}
	if !s.validHouse(msg.House) {
		s.mu.Unlock()
		return protocol.Order{}, &ValidationError{Field: "house", Reason: fmt.Sprintf("%v is not a house", msg.House)}
	}

	id := msg.OrderID
	if id == "" {
		id = fmt.Sprintf("ORD_%03d", s.nextOrder)
		s.nextOrder++
	}
	now := s.now()
	o := protocol.Order{ID: id, House: msg.House, Status: protocol.OrderPending, CreatedAt: now}
	hadPending := len(s.s.PendingOrders()) > 0
	s.s.Orders = append(s.s.Orders, o)
	if !hadPending {
		t := now
		s.s.FirstPendingAt = &t
	}
	if s.s.MissionState == protocol.MissionIdle {
		s.s.MissionState = protocol.MissionCollecting
	}
	s.mu.Unlock()
	s.broadcast()
	s.log.Printf("order %s -> %v", id, msg.House)
	return o, nil
}

// ApplyUpdate validates every patch field and applies them atomically.
// On any invalid field nothing changes and a ValidationError describes
// the first offender.
func (s *Store) ApplyUpdate(p protocol.Patch) (protocol.KnowledgeSnapshot, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return protocol.KnowledgeSnapshot{}, fmt.Errorf("knowledge: not initialized")
	}
	apply, err := s.compile(p)
	if err != nil {
		s.mu.Unlock()
		return protocol.KnowledgeSnapshot{}, err
	}
	for _, fn := range apply {
		fn()
	}
	out := s.snapshotLocked()
	s.mu.Unlock()
	s.broadcast()
	return out, nil
}

// compile type-checks each field and returns the deferred mutations.
// Caller holds mu.
func (s *Store) compile(p protocol.Patch) ([]func(), error) {
	apply := make([]func(), 0, len(p))
	for field, raw := range p {
		switch field {
		case protocol.FieldMissionState:
			v, ok := raw.(protocol.MissionState)
			if !ok || !validMission(v) {
				return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("bad mission state %v", raw)}
			}
			apply = append(apply, func() { s.s.MissionState = v })
		case protocol.FieldPriorState:
			v, ok := raw.(protocol.MissionState)
			if !ok || (v != "" && !validMission(v)) {
				return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("bad mission state %v", raw)}
			}
			apply = append(apply, func() { s.s.PriorState = v })
		case protocol.FieldPlan:
			if raw == nil {
				apply = append(apply, func() { s.s.Plan = nil })
				continue
			}
			v, ok := raw.(*protocol.Plan)
			if !ok {
				return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("want *Plan, got %T", raw)}
			}
			apply = append(apply, func() { s.s.Plan = clonePlan(v) })
		case protocol.FieldPlanIndex:
			v, ok := raw.(int)
			if !ok || v < 0 {
				return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("bad index %v", raw)}
			}
			apply = append(apply, func() { s.s.PlanIndex = v })
		case protocol.FieldDistanceInc:
			v, ok := raw.(int)
			if !ok || v < 0 {
				return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("bad increment %v", raw)}
			}
			apply = append(apply, func() { s.s.Metrics.TotalDistance += v })
		case protocol.FieldReplanInc:
			v, ok := raw.(int)
			if !ok || v < 0 {
				return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("bad increment %v", raw)}
			}
			apply = append(apply, func() { s.s.Metrics.ReplanCount += v })
		case protocol.FieldDeliverySample:
			v, ok := raw.([]float64)
			if !ok {
				return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("want []float64, got %T", raw)}
			}
			for _, dt := range v {
				if dt < 0 {
					return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("negative delivery age %v", dt)}
				}
			}
			apply = append(apply, func() {
				for _, dt := range v {
					s.s.Metrics.TotalDeliveries++
					s.s.Metrics.AvgDeliverySec += (dt - s.s.Metrics.AvgDeliverySec) / float64(s.s.Metrics.TotalDeliveries)
				}
			})
		case protocol.FieldFirstPendingAt:
			if raw == nil {
				apply = append(apply, func() { s.s.FirstPendingAt = nil })
				continue
			}
			v, ok := raw.(*time.Time)
			if !ok {
				return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("want *time.Time, got %T", raw)}
			}
			apply = append(apply, func() {
				if v == nil {
					s.s.FirstPendingAt = nil
					return
				}
				t := *v
				s.s.FirstPendingAt = &t
			})
		case protocol.FieldOrderStatus:
			v, ok := raw.(map[string]protocol.OrderStatus)
			if !ok {
				return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("want map[string]OrderStatus, got %T", raw)}
			}
			for id, st := range v {
				if s.s.OrderByID(id) == nil {
					return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("unknown order %s", id)}
				}
				if !validStatus(st) {
					return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("bad status %s for %s", st, id)}
				}
			}
			apply = append(apply, func() {
				for id, st := range v {
					s.s.OrderByID(id).Status = st
				}
			})
		default:
			return nil, &ValidationError{Field: field, Reason: "unknown field"}
		}
	}
	return apply, nil
}

// Snapshot returns a deep copy of the current record.
func (s *Store) Snapshot() protocol.KnowledgeSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() protocol.KnowledgeSnapshot {
	out := s.s
	out.Orders = append([]protocol.Order(nil), s.s.Orders...)
	out.Plan = clonePlan(s.s.Plan)
	if s.s.FirstPendingAt != nil {
		t := *s.s.FirstPendingAt
		out.FirstPendingAt = &t
	}
	return out
}

func (s *Store) broadcast() {
	s.mu.Lock()
	s.s.Rev++
	s.s.Epoch = s.b.Epoch()
	out := s.snapshotLocked()
	s.mu.Unlock()
	s.b.Publish(bus.TopicKnowledgeUpdate, out)
}

func clonePlan(p *protocol.Plan) *protocol.Plan {
	if p == nil {
		return nil
	}
	out := *p
	out.Sequence = append([]grid.Coord(nil), p.Sequence...)
	out.Path = append([]protocol.PathPoint(nil), p.Path...)
	return &out
}

func validMission(m protocol.MissionState) bool {
	switch m {
	case protocol.MissionIdle, protocol.MissionCollecting, protocol.MissionActive,
		protocol.MissionReturning, protocol.MissionStuck:
		return true
	}
	return false
}

func validStatus(s protocol.OrderStatus) bool {
	switch s {
	case protocol.OrderPending, protocol.OrderLoaded, protocol.OrderDelivered:
		return true
	}
	return false
}
