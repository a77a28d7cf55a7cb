package knowledge

import (
	"errors"
	"testing"
	"time"

	"gridcourier/internal/bus"
	"gridcourier/internal/protocol"
	"gridcourier/internal/sim/grid"
)

var (
	houseA = grid.Coord{X: 6, Y: 3}
	houseB = grid.Coord{X: 10, Y: 7}
)

func newStore(t *testing.T) (*Store, *bus.Bus) {
	t.Helper()
	b := bus.New(bus.Synchronous())
	t.Cleanup(b.Close)
	s := New(b, WithHouseValidator(func(c grid.Coord) bool {
		return c == houseA || c == houseB
	}))
	s.Init(protocol.InitMsg{Base: grid.Coord{X: 1, Y: 1}, Capacity: 3, Timeout: 30})
	return s, b
}

func TestAddOrderLifecycle(t *testing.T) {
	s, _ := newStore(t)

	o, err := s.AddOrder(protocol.AddOrderMsg{House: houseA})
	if err != nil {
		t.Fatalf("AddOrder: %v", err)
	}
	if o.ID != "ORD_001" || o.Status != protocol.OrderPending {
		t.Fatalf("order = %+v", o)
	}

	snap := s.Snapshot()
	if snap.MissionState != protocol.MissionCollecting {
		t.Fatalf("state = %s, want COLLECTING after first order", snap.MissionState)
	}
	if snap.FirstPendingAt == nil {
		t.Fatal("first_pending_at not set")
	}
	first := *snap.FirstPendingAt

	o2, err := s.AddOrder(protocol.AddOrderMsg{House: houseB})
	if err != nil {
		t.Fatalf("AddOrder: %v", err)
	}
	if o2.ID != "ORD_002" {
		t.Fatalf("second id = %s, want ORD_002", o2.ID)
	}
	if got := *s.Snapshot().FirstPendingAt; !got.Equal(first) {
		t.Fatal("first_pending_at moved on second order")
	}

	// Re-adding an existing id is a no-op returning the stored order.
	again, err := s.AddOrder(protocol.AddOrderMsg{House: houseB, OrderID: "ORD_001"})
	if err != nil {
		t.Fatalf("idempotent AddOrder: %v", err)
	}
	if again.House != houseA {
		t.Fatalf("idempotent add returned %+v, want original ORD_001", again)
	}
	if n := len(s.Snapshot().Orders); n != 2 {
		t.Fatalf("orders = %d, want 2", n)
	}
}

func TestAddOrderRejectsNonHouse(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.AddOrder(protocol.AddOrderMsg{House: grid.Coord{X: 0, Y: 0}})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestApplyUpdateIsAtomic(t *testing.T) {
	s, _ := newStore(t)
	if _, err := s.AddOrder(protocol.AddOrderMsg{House: houseA}); err != nil {
		t.Fatal(err)
	}
	before := s.Snapshot()

	_, err := s.ApplyUpdate(protocol.Patch{
		protocol.FieldMissionState: protocol.MissionActive,
		protocol.FieldOrderStatus:  map[string]protocol.OrderStatus{"ORD_999": protocol.OrderLoaded},
	})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}

	after := s.Snapshot()
	if after.MissionState != before.MissionState {
		t.Fatal("partial patch applied")
	}
	if after.Rev != before.Rev {
		t.Fatal("rejected patch bumped rev")
	}
}

func TestApplyUpdateFields(t *testing.T) {
	s, _ := newStore(t)
	if _, err := s.AddOrder(protocol.AddOrderMsg{House: houseA}); err != nil {
		t.Fatal(err)
	}

	plan := &protocol.Plan{
		Sequence: []grid.Coord{houseA},
		Path: []protocol.PathPoint{
			{Coord: grid.Coord{X: 1, Y: 1}, Leg: protocol.LegDelivery},
			{Coord: grid.Coord{X: 2, Y: 1}, Leg: protocol.LegDelivery},
		},
		Cost: 1,
	}
	snap, err := s.ApplyUpdate(protocol.Patch{
		protocol.FieldMissionState:   protocol.MissionActive,
		protocol.FieldPlan:           plan,
		protocol.FieldPlanIndex:      0,
		protocol.FieldOrderStatus:    map[string]protocol.OrderStatus{"ORD_001": protocol.OrderLoaded},
		protocol.FieldFirstPendingAt: nil,
	})
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if snap.MissionState != protocol.MissionActive {
		t.Fatalf("state = %s", snap.MissionState)
	}
	if snap.Plan == nil || len(snap.Plan.Path) != 2 {
		t.Fatalf("plan = %+v", snap.Plan)
	}
	if snap.Orders[0].Status != protocol.OrderLoaded {
		t.Fatalf("order status = %s", snap.Orders[0].Status)
	}
	if snap.FirstPendingAt != nil {
		t.Fatal("first_pending_at not cleared")
	}

	// Clearing the plan via nil.
	snap, err = s.ApplyUpdate(protocol.Patch{protocol.FieldPlan: nil})
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if snap.Plan != nil {
		t.Fatal("plan not cleared")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s, _ := newStore(t)
	if _, err := s.AddOrder(protocol.AddOrderMsg{House: houseA}); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	snap.Orders[0].Status = protocol.OrderDelivered
	if s.Snapshot().Orders[0].Status != protocol.OrderPending {
		t.Fatal("snapshot mutation leaked into store")
	}
}

func TestBusWiring(t *testing.T) {
	b := bus.New(bus.Synchronous())
	defer b.Close()
	s := New(b, WithHouseValidator(func(c grid.Coord) bool { return c == houseA }))
	s.Start()
	defer s.Stop()

	var updates []protocol.KnowledgeSnapshot
	b.Subscribe(bus.TopicKnowledgeUpdate, func(e bus.Envelope) {
		updates = append(updates, e.Payload.(protocol.KnowledgeSnapshot))
	})

	b.Publish(bus.TopicSystemInit, protocol.InitMsg{Base: grid.Coord{X: 1, Y: 1}, Capacity: 3, Timeout: 30})
	b.Publish(bus.TopicUserAddOrder, protocol.AddOrderMsg{House: houseA})
	b.Publish(bus.TopicKnowledgePatch, protocol.Patch{protocol.FieldMissionState: protocol.MissionActive})

	if len(updates) != 3 {
		t.Fatalf("got %d knowledge updates, want 3", len(updates))
	}
	last := updates[len(updates)-1]
	if last.MissionState != protocol.MissionActive || len(last.Orders) != 1 {
		t.Fatalf("final snapshot = %+v", last)
	}
	for i := 1; i < len(updates); i++ {
		if updates[i].Rev <= updates[i-1].Rev {
			t.Fatalf("revs not increasing: %d then %d", updates[i-1].Rev, updates[i].Rev)
		}
	}
}

func TestStaleEnvelopeDiscarded(t *testing.T) {
	s, b := newStore(t)
	b.BumpEpoch()
	s.onAddOrder(bus.Envelope{Topic: bus.TopicUserAddOrder, Epoch: 1, Payload: protocol.AddOrderMsg{House: houseA}})
	if n := len(s.Snapshot().Orders); n != 0 {
		t.Fatalf("stale add_order applied: %d orders", n)
	}
}

func TestApplyUpdateIdempotent(t *testing.T) {
	s, _ := newStore(t)
	if _, err := s.AddOrder(protocol.AddOrderMsg{House: houseA}); err != nil {
		t.Fatal(err)
	}
	patch := protocol.Patch{
		protocol.FieldMissionState: protocol.MissionActive,
		protocol.FieldOrderStatus:  map[string]protocol.OrderStatus{"ORD_001": protocol.OrderLoaded},
	}
	first, err := s.ApplyUpdate(patch)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.ApplyUpdate(patch)
	if err != nil {
		t.Fatal(err)
	}
	// Identical except the revision bump.
	first.Rev = second.Rev
	if first.MissionState != second.MissionState ||
		first.Orders[0] != second.Orders[0] {
		t.Fatalf("patch not idempotent:\n%+v\n%+v", first, second)
	}
}

// Two writers patch metrics from snapshots taken before each other's
// update. Increments folded in by the store keep both contributions.
func TestMetricIncrementsSurviveStaleWriters(t *testing.T) {
	s, _ := newStore(t)
	if _, err := s.AddOrder(protocol.AddOrderMsg{House: houseA}); err != nil {
		t.Fatal(err)
	}

	// Replan bump, then a movement patch computed before it was visible.
	if _, err := s.ApplyUpdate(protocol.Patch{protocol.FieldReplanInc: 1}); err != nil {
		t.Fatal(err)
	}
	snap, err := s.ApplyUpdate(protocol.Patch{
		protocol.FieldDistanceInc:    1,
		protocol.FieldOrderStatus:    map[string]protocol.OrderStatus{"ORD_001": protocol.OrderDelivered},
		protocol.FieldDeliverySample: []float64{12.5},
	})
	if err != nil {
		t.Fatal(err)
	}

	m := snap.Metrics
	if m.ReplanCount != 1 {
		t.Fatalf("replan count = %d, want 1 after unrelated metric patch", m.ReplanCount)
	}
	if m.TotalDistance != 1 || m.TotalDeliveries != 1 || m.AvgDeliverySec != 12.5 {
		t.Fatalf("metrics = %+v", m)
	}

	// Second sample folds into the running average.
	snap, err = s.ApplyUpdate(protocol.Patch{protocol.FieldDeliverySample: []float64{7.5}})
	if err != nil {
		t.Fatal(err)
	}
	if got := snap.Metrics.AvgDeliverySec; got != 10.0 {
		t.Fatalf("avg = %v, want 10.0", got)
	}
	if snap.Metrics.TotalDeliveries != 2 {
		t.Fatalf("deliveries = %d, want 2", snap.Metrics.TotalDeliveries)
	}
}

func TestMetricIncrementsRejectNegative(t *testing.T) {
	s, _ := newStore(t)
	for _, patch := range []protocol.Patch{
		{protocol.FieldDistanceInc: -1},
		{protocol.FieldReplanInc: -2},
		{protocol.FieldDeliverySample: []float64{-0.5}},
	} {
		var ve *ValidationError
		if _, err := s.ApplyUpdate(patch); !errors.As(err, &ve) {
			t.Fatalf("patch %v: err = %v, want ValidationError", patch, err)
		}
	}
}

func TestClockInjection(t *testing.T) {
	b := bus.New(bus.Synchronous())
	defer b.Close()
	fixed := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	s := New(b, WithClock(func() time.Time { return fixed }))
	s.Init(protocol.InitMsg{Base: grid.Coord{X: 1, Y: 1}, Capacity: 3, Timeout: 30})

	o, err := s.AddOrder(protocol.AddOrderMsg{House: houseA})
	if err != nil {
		t.Fatal(err)
	}
	if !o.CreatedAt.Equal(fixed) {
		t.Fatalf("created_at = %v, want %v", o.CreatedAt, fixed)
	}
}
