// Package path provides the stateless routing algorithms used by the
// planner: A* single-path search and delivery sequence optimization over a
// courier grid.
package path

import (
	"container/heap"
	"errors"

	"gridcourier/internal/sim/grid"
)

// ErrNoPath means the goal is unreachable with the current obstacle layout.
var ErrNoPath = errors.New("no path")

type node struct {
	c    grid.Coord
	f    int
	h    int
	seq  int // insertion order, breaks remaining ties FIFO
	idx  int
	prev *node
	g    int
}

type openSet []*node

func (s openSet) Len() int { return len(s) }
func (s openSet) Less(i, j int) bool {
	if s[i].f != s[j].f {
		return s[i].f < s[j].f
	}
	if s[i].h != s[j].h {
		return s[i].h < s[j].h
	}
	return s[i].seq < s[j].seq
}
func (s openSet) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
	s[i].idx = i
	s[j].idx = j
}
func (s *openSet) Push(x any) {
	n := x.(*node)
	n.idx = len(*s)
	*s = append(*s, n)
}
func (s *openSet) Pop() any {
	old := *s
	n := old[len(old)-1]
	old[len(old)-1] = nil
	*s = old[:len(old)-1]
	return n
}

// FindPath runs A* from start to goal over 4-connected cells with unit edge
// cost and the Manhattan heuristic. The open set is ordered by f = g + h,
// ties broken by lower h and then by insertion order, so results are fully
// deterministic. Returns the inclusive start..goal cell sequence, or
// ErrNoPath when the open set drains first.
func FindPath(g *grid.Grid, start, goal grid.Coord) ([]grid.Coord, error) {
	if start == goal {
		return []grid.Coord{start}, nil
	}
	if !g.IsPassable(goal) {
		return nil, ErrNoPath
	}

	seq := 0
	open := &openSet{}
	heap.Init(open)
	startNode := &node{c: start, g: 0, h: start.Manhattan(goal), f: start.Manhattan(goal), seq: seq}
	heap.Push(open, startNode)

	visited := map[grid.Coord]struct{}{}
	for open.Len() > 0 {
		cur := heap.Pop(open).(*node)
		if _, seen := visited[cur.c]; seen {
			continue
		}
		visited[cur.c] = struct{}{}

		if cur.c == goal {
			return reconstruct(cur), nil
		}
		for _, nb := range g.Neighbors(cur.c) {
			if _, seen := visited[nb]; seen {
				continue
			}
			seq++
			gScore := cur.g + 1
			h := nb.Manhattan(goal)
			heap.Push(open, &node{c: nb, g: gScore, h: h, f: gScore + h, seq: seq, prev: cur})
		}
	}
	return nil, ErrNoPath
}

func reconstruct(n *node) []grid.Coord {
	var rev []grid.Coord
	for ; n != nil; n = n.prev {
		rev = append(rev, n.c)
	}
	out := make([]grid.Coord, len(rev))
	for i := range rev {
		out[i] = rev[len(rev)-1-i]
	}
	return out
}

// Cost is the number of moves along a path (cells minus one).
func Cost(p []grid.Coord) int {
	if len(p) == 0 {
		return 0
	}
	return len(p) - 1
}

// Distance is the A* path cost between two cells, or ErrNoPath.
func Distance(g *grid.Grid, a, b grid.Coord) (int, error) {
	p, err := FindPath(g, a, b)
	if err != nil {
		return 0, err
	}
	return Cost(p), nil
}

// Stitch concatenates consecutive legs without duplicating the shared
// endpoint between them.
func Stitch(legs ...[]grid.Coord) []grid.Coord {
	var out []grid.Coord
	for _, leg := range legs {
		if len(leg) == 0 {
			continue
		}
		if len(out) > 0 {
			leg = leg[1:]
		}
		out = append(out, leg...)
	}
	return out
}
