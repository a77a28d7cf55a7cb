// Package grid holds the 2D world model for the courier: cell terrain,
// obstacle toggling and the robot itself. It is pure state with guarded
// mutators; all routing and mission logic lives elsewhere.
package grid

import (
	"errors"
	"fmt"
	"sort"
)

// Coord is a grid cell position. X is the column, Y the row; (0,0) is the
// top-left corner.
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c Coord) String() string { return fmt.Sprintf("(%d,%d)", c.X, c.Y) }

// Manhattan returns the 4-connected walking distance ignoring obstacles.
func (c Coord) Manhattan(o Coord) int {
	return abs(c.X-o.X) + abs(c.Y-o.Y)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// CellKind is the terrain of a single cell.
type CellKind string

const (
	CellRoad            CellKind = "ROAD"
	CellStaticObstacle  CellKind = "STATIC_OBSTACLE"
	CellDynamicObstacle CellKind = "DYNAMIC_OBSTACLE"
	CellBase            CellKind = "BASE"
	CellHouse           CellKind = "HOUSE"
)

var (
	// ErrInvalidCell rejects an obstacle toggle on a protected or
	// out-of-bounds cell.
	ErrInvalidCell = errors.New("invalid cell")
	// ErrBlocked rejects a robot step into an impassable cell.
	ErrBlocked = errors.New("blocked")
)

// Config describes a grid at creation time. Base is the robot anchor cell;
// the base footprint is the 2x2 square whose bottom-right corner is Base.
type Config struct {
	Width  int
	Height int
	Base   Coord
	Houses []Coord
	Static []Coord
}

// Grid is the bounded world. Static terrain is fixed after New; only the
// dynamic obstacle set changes, via ToggleObstacle.
type Grid struct {
	width  int
	height int
	base   Coord

	baseCells map[Coord]struct{}
	houses    map[Coord]struct{}
	houseList []Coord
	static    map[Coord]struct{}
	dynamic   map[Coord]struct{}
}

func New(cfg Config) (*Grid, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("grid: bad dimensions %dx%d", cfg.Width, cfg.Height)
	}
	g := &Grid{
		width:     cfg.Width,
		height:    cfg.Height,
		base:      cfg.Base,
		baseCells: map[Coord]struct{}{},
		houses:    map[Coord]struct{}{},
		static:    map[Coord]struct{}{},
		dynamic:   map[Coord]struct{}{},
	}
	if !g.InBounds(cfg.Base) {
		return nil, fmt.Errorf("grid: base %v out of bounds", cfg.Base)
	}
	for _, c := range baseFootprint(cfg.Base) {
		if g.InBounds(c) {
			g.baseCells[c] = struct{}{}
		}
	}
	for _, h := range cfg.Houses {
		if !g.InBounds(h) {
			return nil, fmt.Errorf("grid: house %v out of bounds", h)
		}
		if _, ok := g.baseCells[h]; ok {
			return nil, fmt.Errorf("grid: house %v overlaps base", h)
		}
		if _, ok := g.houses[h]; !ok {
			g.houses[h] = struct{}{}
			g.houseList = append(g.houseList, h)
		}
	}
	for _, o := range cfg.Static {
		if !g.InBounds(o) {
			continue
		}
		if _, ok := g.baseCells[o]; ok {
			continue
		}
		if _, ok := g.houses[o]; ok {
			continue
		}
		g.static[o] = struct{}{}
	}
	return g, nil
}

// baseFootprint is the 2x2 square ending at the anchor, matching the
// original map where the depot occupies (0,0)..(1,1) with anchor (1,1).
func baseFootprint(anchor Coord) []Coord {
	return []Coord{
		{X: anchor.X - 1, Y: anchor.Y - 1},
		{X: anchor.X, Y: anchor.Y - 1},
		{X: anchor.X - 1, Y: anchor.Y},
		anchor,
	}
}

func (g *Grid) Width() int  { return g.width }
func (g *Grid) Height() int { return g.height }
func (g *Grid) Base() Coord { return g.base }

// Houses returns the fixed house set in creation order.
func (g *Grid) Houses() []Coord {
	out := make([]Coord, len(g.houseList))
	copy(out, g.houseList)
	return out
}

func (g *Grid) IsHouse(c Coord) bool {
	_, ok := g.houses[c]
	return ok
}

func (g *Grid) InBounds(c Coord) bool {
	return c.X >= 0 && c.X < g.width && c.Y >= 0 && c.Y < g.height
}

// KindAt reports the terrain of a cell. Out-of-bounds cells report as
// static obstacles so callers can treat them uniformly as impassable.
func (g *Grid) KindAt(c Coord) CellKind {
	if !g.InBounds(c) {
		return CellStaticObstacle
	}
	if _, ok := g.dynamic[c]; ok {
		return CellDynamicObstacle
	}
	if _, ok := g.static[c]; ok {
		return CellStaticObstacle
	}
	if _, ok := g.baseCells[c]; ok {
		return CellBase
	}
	if _, ok := g.houses[c]; ok {
		return CellHouse
	}
	return CellRoad
}

// IsPassable reports whether the robot may occupy the cell.
func (g *Grid) IsPassable(c Coord) bool {
	if !g.InBounds(c) {
		return false
	}
	_, s := g.static[c]
	_, d := g.dynamic[c]
	return !s && !d
}

// Neighbors returns the passable 4-connected neighbors in up, down, left,
// right order. The fixed order keeps pathfinding deterministic.
func (g *Grid) Neighbors(c Coord) []Coord {
	cand := [4]Coord{
		{X: c.X, Y: c.Y - 1},
		{X: c.X, Y: c.Y + 1},
		{X: c.X - 1, Y: c.Y},
		{X: c.X + 1, Y: c.Y},
	}
	out := make([]Coord, 0, 4)
	for _, n := range cand {
		if g.IsPassable(n) {
			out = append(out, n)
		}
	}
	return out
}

// ToggleObstacle flips a dynamic obstacle at c and returns the resulting
// terrain. Removal is always allowed; placement is rejected on base, house,
// static obstacle, robot-occupied or out-of-bounds cells.
func (g *Grid) ToggleObstacle(c, robot Coord) (CellKind, error) {
	if _, ok := g.dynamic[c]; ok {
		delete(g.dynamic, c)
		return g.KindAt(c), nil
	}
	if !g.InBounds(c) {
		return "", fmt.Errorf("%w: %v out of bounds", ErrInvalidCell, c)
	}
	if _, ok := g.baseCells[c]; ok {
		return "", fmt.Errorf("%w: %v is base", ErrInvalidCell, c)
	}
	if _, ok := g.houses[c]; ok {
		return "", fmt.Errorf("%w: %v is a house", ErrInvalidCell, c)
	}
	if _, ok := g.static[c]; ok {
		return "", fmt.Errorf("%w: %v is a static obstacle", ErrInvalidCell, c)
	}
	if c == robot {
		return "", fmt.Errorf("%w: %v occupied by robot", ErrInvalidCell, c)
	}
	g.dynamic[c] = struct{}{}
	return CellDynamicObstacle, nil
}

// DynamicObstacles returns the current dynamic set in row-major order.
func (g *Grid) DynamicObstacles() []Coord {
	out := make([]Coord, 0, len(g.dynamic))
	for c := range g.dynamic {
		out = append(out, c)
	}
	sortCoords(out)
	return out
}

// StaticObstacles returns the fixed obstacle set in row-major order.
func (g *Grid) StaticObstacles() []Coord {
	out := make([]Coord, 0, len(g.static))
	for c := range g.static {
		out = append(out, c)
	}
	sortCoords(out)
	return out
}

func sortCoords(cs []Coord) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Y != cs[j].Y {
			return cs[i].Y < cs[j].Y
		}
		return cs[i].X < cs[j].X
	})
}

// State is the wire snapshot of a grid, embedded in environment updates.
type State struct {
	Width   int     `json:"width"`
	Height  int     `json:"height"`
	Base    Coord   `json:"base"`
	Houses  []Coord `json:"houses"`
	Static  []Coord `json:"static_obstacles"`
	Dynamic []Coord `json:"dynamic_obstacles"`
}

// Export captures the grid as a snapshot.
func (g *Grid) Export() State {
	return State{
		Width:   g.width,
		Height:  g.height,
		Base:    g.base,
		Houses:  g.Houses(),
		Static:  g.StaticObstacles(),
		Dynamic: g.DynamicObstacles(),
	}
}

// FromState rebuilds a queryable grid from a snapshot. Consumers use this
// to run passability checks and pathfinding against sampled state.
func FromState(s State) (*Grid, error) {
	g, err := New(Config{
		Width:  s.Width,
		Height: s.Height,
		Base:   s.Base,
		Houses: s.Houses,
		Static: s.Static,
	})
	if err != nil {
		return nil, err
	}
	for _, c := range s.Dynamic {
		if g.InBounds(c) {
			g.dynamic[c] = struct{}{}
		}
	}
	return g, nil
}
