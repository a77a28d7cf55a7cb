package grid

import "fmt"

// MoveStatus is the robot's coarse movement state.
type MoveStatus string

const (
	RobotIdle   MoveStatus = "IDLE"
	RobotMoving MoveStatus = "MOVING"
	RobotStuck  MoveStatus = "STUCK"
)

// Direction is one of the four grid moves.
type Direction string

const (
	DirUp    Direction = "UP"
	DirDown  Direction = "DOWN"
	DirLeft  Direction = "LEFT"
	DirRight Direction = "RIGHT"
)

// Offset returns the coordinate delta of the direction.
func (d Direction) Offset() (dx, dy int) {
	switch d {
	case DirUp:
		return 0, -1
	case DirDown:
		return 0, 1
	case DirLeft:
		return -1, 0
	case DirRight:
		return 1, 0
	}
	return 0, 0
}

// DirectionTo returns the single-step direction from a to b, which must be
// 4-adjacent cells.
func DirectionTo(a, b Coord) (Direction, error) {
	switch {
	case b.X == a.X && b.Y == a.Y-1:
		return DirUp, nil
	case b.X == a.X && b.Y == a.Y+1:
		return DirDown, nil
	case b.X == a.X-1 && b.Y == a.Y:
		return DirLeft, nil
	case b.X == a.X+1 && b.Y == a.Y:
		return DirRight, nil
	}
	return "", fmt.Errorf("grid: %v is not adjacent to %v", b, a)
}

// Robot carries orders between the base and houses, one cell per step.
type Robot struct {
	pos      Coord
	capacity int
	carried  []string
	status   MoveStatus
}

// RobotState is the wire snapshot of a robot.
type RobotState struct {
	Pos      Coord      `json:"pos"`
	Capacity int        `json:"capacity"`
	Carried  []string   `json:"carried"`
	Status   MoveStatus `json:"status"`
	AtBase   bool       `json:"at_base"`
}

func NewRobot(start Coord, capacity int) *Robot {
	if capacity <= 0 {
		capacity = 3
	}
	return &Robot{pos: start, capacity: capacity, status: RobotIdle}
}

func (r *Robot) Pos() Coord         { return r.pos }
func (r *Robot) Capacity() int      { return r.capacity }
func (r *Robot) Status() MoveStatus { return r.status }

func (r *Robot) SetStatus(s MoveStatus) { r.status = s }

// Carried returns the loaded order ids in load order.
func (r *Robot) Carried() []string {
	out := make([]string, len(r.carried))
	copy(out, r.carried)
	return out
}

// MoveStep advances the robot one cell. The target must be passable on g or
// the move fails with ErrBlocked and the position is unchanged.
func (r *Robot) MoveStep(g *Grid, d Direction) (RobotState, error) {
	dx, dy := d.Offset()
	next := Coord{X: r.pos.X + dx, Y: r.pos.Y + dy}
	if !g.IsPassable(next) {
		return r.Export(g), fmt.Errorf("%w: %v", ErrBlocked, next)
	}
	r.pos = next
	return r.Export(g), nil
}

// Load adds an order to the carried set, enforcing capacity.
func (r *Robot) Load(orderID string) error {
	if len(r.carried) >= r.capacity {
		return fmt.Errorf("robot at capacity %d, cannot load %s", r.capacity, orderID)
	}
	for _, id := range r.carried {
		if id == orderID {
			return nil // already aboard
		}
	}
	r.carried = append(r.carried, orderID)
	return nil
}

// Unload removes a delivered order from the carried set.
func (r *Robot) Unload(orderID string) {
	kept := r.carried[:0]
	for _, id := range r.carried {
		if id != orderID {
			kept = append(kept, id)
		}
	}
	r.carried = kept
}

// ClearCarried drops all carried orders (system reset / mission end).
func (r *Robot) ClearCarried() { r.carried = nil }

func (r *Robot) Export(g *Grid) RobotState {
	return RobotState{
		Pos:      r.pos,
		Capacity: r.capacity,
		Carried:  r.Carried(),
		Status:   r.status,
		AtBase:   g != nil && r.pos == g.Base(),
	}
}
