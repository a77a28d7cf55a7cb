// Package env hosts the simulated world: the grid terrain and the robot.
// It applies actuation commands arriving on the bus and broadcasts a full
// environment snapshot after every state change. The environment performs
// no planning; it only enforces physical rules.
package env

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"gridcourier/internal/bus"
	"gridcourier/internal/protocol"
	"gridcourier/internal/sim/grid"
)

var (
	ErrNotAtBase  = errors.New("robot not at base")
	ErrNotCarried = errors.New("order not on robot")
)

type Service struct {
	log *log.Logger
	b   *bus.Bus

	cfg      grid.Config
	capacity int

	mu  sync.Mutex
	g   *grid.Grid
	r   *grid.Robot
	rev uint64

	cancels []func()
}

type Option func(*Service)

func WithLogger(l *log.Logger) Option { return func(s *Service) { s.log = l } }

func New(b *bus.Bus, cfg grid.Config, capacity int, opts ...Option) (*Service, error) {
	g, err := grid.New(cfg)
	if err != nil {
		return nil, err
	}
	s := &Service{
		log:      log.New(os.Stdout, "[env] ", log.LstdFlags|log.Lmicroseconds),
		b:        b,
		cfg:      cfg,
		capacity: capacity,
		g:        g,
		r:        grid.NewRobot(g.Base(), capacity),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start subscribes the environment to its command topics and publishes
// the initial snapshot.
func (s *Service) Start() {
	s.cancels = append(s.cancels,
		s.b.Subscribe(bus.TopicSystemReset, s.onReset),
		s.b.Subscribe(bus.TopicUserToggleObstacle, s.onToggle),
		s.b.Subscribe(bus.TopicEnvMove, s.onMove),
		s.b.Subscribe(bus.TopicEnvLoad, s.onLoad),
		s.b.Subscribe(bus.TopicEnvDeliver, s.onDeliver),
		s.b.Subscribe(bus.TopicEnvClearOrders, s.onClearOrders),
	)
	s.broadcast()
}

func (s *Service) Stop() {
	for _, c := range s.cancels {
		c()
	}
	s.cancels = nil
}

// Houses returns the deliverable cells, for order validation.
func (s *Service) Houses() []grid.Coord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.g.Houses()
}

// Snapshot is the current world state.
func (s *Service) Snapshot() protocol.EnvironmentSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() protocol.EnvironmentSnapshot {
	return protocol.EnvironmentSnapshot{
		Rev:   s.rev,
		Epoch: s.b.Epoch(),
		Grid:  s.g.Export(),
		Robot: s.r.Export(s.g),
	}
}

func (s *Service) broadcast() {
	s.mu.Lock()
	s.rev++
	out := s.snapshotLocked()
	s.mu.Unlock()
	s.b.Publish(bus.TopicEnvUpdate, out)
}

// Reset rebuilds the world from its original configuration.
func (s *Service) Reset() {
	s.mu.Lock()
	s.g, _ = grid.New(s.cfg)
	s.r = grid.NewRobot(s.g.Base(), s.capacity)
	s.mu.Unlock()
	s.broadcast()
	s.log.Printf("reset")
}

// ToggleObstacle flips a dynamic obstacle, rejecting protected cells and
// the robot's cell.
func (s *Service) ToggleObstacle(c grid.Coord) (grid.CellKind, error) {
	s.mu.Lock()
	kind, err := s.g.ToggleObstacle(c, s.r.Pos())
	s.mu.Unlock()
	if err != nil {
		return kind, err
	}
	s.broadcast()
	s.log.Printf("toggle %v -> %s", c, kind)
	return kind, nil
}

// Move steps the robot one cell.
func (s *Service) Move(d grid.Direction) error {
	s.mu.Lock()
	_, err := s.r.MoveStep(s.g, d)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("move %s: %w", d, err)
	}
	s.broadcast()
	return nil
}

// Load puts an order on the robot. Only allowed at base.
func (s *Service) Load(orderID string) error {
	s.mu.Lock()
	if !s.r.Export(s.g).AtBase {
		s.mu.Unlock()
		return fmt.Errorf("load %s: %w", orderID, ErrNotAtBase)
	}
	err := s.r.Load(orderID)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("load %s: %w", orderID, err)
	}
	s.broadcast()
	return nil
}

// Deliver removes a carried order from the robot.
func (s *Service) Deliver(orderID string) error {
	s.mu.Lock()
	carried := false
	for _, id := range s.r.Carried() {
		if id == orderID {
			carried = true
			break
		}
	}
	if !carried {
		s.mu.Unlock()
		return fmt.Errorf("deliver %s: %w", orderID, ErrNotCarried)
	}
	s.r.Unload(orderID)
	s.mu.Unlock()
	s.broadcast()
	return nil
}

// ClearOrders empties the robot's cargo.
func (s *Service) ClearOrders() {
	s.mu.Lock()
	s.r.ClearCarried()
	s.mu.Unlock()
	s.broadcast()
}

func (s *Service) stale(env bus.Envelope) bool {
	return env.Epoch < s.b.Epoch()
}

func (s *Service) onReset(env bus.Envelope) {
	s.Reset()
}

func (s *Service) onToggle(env bus.Envelope) {
	if s.stale(env) {
		return
	}
	msg, ok := env.Payload.(protocol.ToggleObstacleMsg)
	if !ok {
		s.log.Printf("toggle: bad payload %T", env.Payload)
		return
	}
	if _, err := s.ToggleObstacle(msg.Cell); err != nil {
		s.log.Printf("toggle rejected: %v", err)
	}
}

func (s *Service) onMove(env bus.Envelope) {
	if s.stale(env) {
		return
	}
	msg, ok := env.Payload.(protocol.MoveCmd)
	if !ok {
		s.log.Printf("move: bad payload %T", env.Payload)
		return
	}
	if err := s.Move(msg.Dir); err != nil {
		s.log.Printf("move rejected: %v", err)
	}
}

func (s *Service) onLoad(env bus.Envelope) {
	if s.stale(env) {
		return
	}
	msg, ok := env.Payload.(protocol.LoadCmd)
	if !ok {
		s.log.Printf("load: bad payload %T", env.Payload)
		return
	}
	if err := s.Load(msg.OrderID); err != nil {
		s.log.Printf("load rejected: %v", err)
	}
}

func (s *Service) onDeliver(env bus.Envelope) {
	if s.stale(env) {
		return
	}
	msg, ok := env.Payload.(protocol.DeliverCmd)
	if !ok {
		s.log.Printf("deliver: bad payload %T", env.Payload)
		return
	}
	if err := s.Deliver(msg.OrderID); err != nil {
		s.log.Printf("deliver rejected: %v", err)
	}
}

func (s *Service) onClearOrders(env bus.Envelope) {
	if s.stale(env) {
		return
	}
	s.ClearOrders()
}
