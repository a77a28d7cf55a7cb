package env

import (
	"errors"
	"testing"

	"gridcourier/internal/bus"
	"gridcourier/internal/protocol"
	"gridcourier/internal/sim/grid"
)

func testConfig() grid.Config {
	return grid.Config{
		Width:  6,
		Height: 5,
		Base:   grid.Coord{X: 1, Y: 1},
		Houses: []grid.Coord{{X: 4, Y: 3}},
		Static: []grid.Coord{{X: 3, Y: 0}},
	}
}

func newService(t *testing.T) (*Service, *bus.Bus, *[]protocol.EnvironmentSnapshot) {
	t.Helper()
	b := bus.New(bus.Synchronous())
	t.Cleanup(b.Close)
	s, err := New(b, testConfig(), 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var updates []protocol.EnvironmentSnapshot
	b.Subscribe(bus.TopicEnvUpdate, func(e bus.Envelope) {
		updates = append(updates, e.Payload.(protocol.EnvironmentSnapshot))
	})
	s.Start()
	t.Cleanup(s.Stop)
	return s, b, &updates
}

func TestStartPublishesInitialSnapshot(t *testing.T) {
	_, _, updates := newService(t)
	if len(*updates) != 1 {
		t.Fatalf("got %d updates, want initial snapshot", len(*updates))
	}
	snap := (*updates)[0]
	if snap.Robot.Pos != (grid.Coord{X: 1, Y: 1}) || !snap.Robot.AtBase {
		t.Fatalf("initial robot = %+v", snap.Robot)
	}
	if snap.Grid.Width != 6 || snap.Grid.Height != 5 {
		t.Fatalf("initial grid = %dx%d", snap.Grid.Width, snap.Grid.Height)
	}
}

func TestCommandsOverBus(t *testing.T) {
	_, b, updates := newService(t)

	b.Publish(bus.TopicEnvMove, protocol.MoveCmd{Dir: grid.DirRight})
	b.Publish(bus.TopicUserToggleObstacle, protocol.ToggleObstacleMsg{Cell: grid.Coord{X: 4, Y: 1}})

	if len(*updates) != 3 {
		t.Fatalf("got %d updates, want 3", len(*updates))
	}
	last := (*updates)[2]
	if last.Robot.Pos != (grid.Coord{X: 2, Y: 1}) {
		t.Fatalf("robot pos = %v", last.Robot.Pos)
	}
	if len(last.Grid.Dynamic) != 1 {
		t.Fatalf("dynamic obstacles = %v", last.Grid.Dynamic)
	}
	for i := 1; i < len(*updates); i++ {
		if (*updates)[i].Rev <= (*updates)[i-1].Rev {
			t.Fatal("revs not increasing")
		}
	}
}

func TestRejectedCommandsDoNotBroadcast(t *testing.T) {
	s, b, updates := newService(t)
	n := len(*updates)

	// Obstacle on the robot's own cell, on a house and out of bounds.
	for _, c := range []grid.Coord{{X: 1, Y: 1}, {X: 4, Y: 3}, {X: 9, Y: 9}} {
		if _, err := s.ToggleObstacle(c); !errors.Is(err, grid.ErrInvalidCell) {
			t.Errorf("ToggleObstacle(%v) err = %v", c, err)
		}
	}
	// Blocked move: wall off the target first.
	if _, err := s.ToggleObstacle(grid.Coord{X: 2, Y: 1}); err != nil {
		t.Fatal(err)
	}
	n++ // the successful toggle broadcasts once
	b.Publish(bus.TopicEnvMove, protocol.MoveCmd{Dir: grid.DirRight})

	if len(*updates) != n {
		t.Fatalf("got %d updates, want %d (rejects must not broadcast)", len(*updates), n)
	}
}

func TestLoadRequiresBaseAndDeliverRequiresCargo(t *testing.T) {
	s, _, _ := newService(t)

	if err := s.Load("ORD_001"); err != nil {
		t.Fatalf("load at base: %v", err)
	}
	if err := s.Deliver("ORD_002"); !errors.Is(err, ErrNotCarried) {
		t.Fatalf("deliver uncarried err = %v", err)
	}

	if err := s.Move(grid.DirRight); err != nil {
		t.Fatal(err)
	}
	if err := s.Load("ORD_002"); !errors.Is(err, ErrNotAtBase) {
		t.Fatalf("load away from base err = %v", err)
	}
	if err := s.Deliver("ORD_001"); err != nil {
		t.Fatalf("deliver carried: %v", err)
	}
	if got := s.Snapshot().Robot.Carried; len(got) != 0 {
		t.Fatalf("carried = %v, want empty", got)
	}
}

func TestResetRestoresWorld(t *testing.T) {
	s, b, _ := newService(t)

	if err := s.Move(grid.DirRight); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ToggleObstacle(grid.Coord{X: 4, Y: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Load("ORD_001"); err == nil {
		t.Fatal("load away from base succeeded")
	}

	b.BumpEpoch()
	b.Publish(bus.TopicSystemReset, protocol.InitMsg{})

	snap := s.Snapshot()
	if snap.Robot.Pos != (grid.Coord{X: 1, Y: 1}) {
		t.Fatalf("robot pos after reset = %v", snap.Robot.Pos)
	}
	if len(snap.Grid.Dynamic) != 0 {
		t.Fatalf("dynamic obstacles survived reset: %v", snap.Grid.Dynamic)
	}
	if len(snap.Robot.Carried) != 0 {
		t.Fatalf("cargo survived reset: %v", snap.Robot.Carried)
	}
	if snap.Epoch != 2 {
		t.Fatalf("snapshot epoch = %d, want 2", snap.Epoch)
	}
}
