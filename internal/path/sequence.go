package path

import (
	"fmt"

	"gridcourier/internal/sim/grid"
)

// bruteForceMax bounds the exhaustive permutation search (5! = 120 routes).
// Larger destination sets fall back to nearest-neighbor.
const bruteForceMax = 5

// OptimizeSequence orders destinations to minimize total travel from start
// and returns the ordered destinations plus the stitched full path through
// them. Sets of up to bruteForceMax destinations are solved exactly by
// evaluating every permutation; cost ties keep the permutation that occurs
// first in input order. Larger sets use the greedy nearest-neighbor
// heuristic with the same input-order tie-break. Any unreachable leg fails
// the whole call with ErrNoPath; partial routes are never returned.
func OptimizeSequence(g *grid.Grid, start grid.Coord, dests []grid.Coord) ([]grid.Coord, []grid.Coord, error) {
	if len(dests) == 0 {
		return nil, []grid.Coord{start}, nil
	}

	var seq []grid.Coord
	var err error
	if len(dests) <= bruteForceMax {
		seq, err = optimalSequence(g, start, dests)
	} else {
		seq, err = nearestNeighborSequence(g, start, dests)
	}
	if err != nil {
		return nil, nil, err
	}

	full, err := buildPath(g, start, seq)
	if err != nil {
		return nil, nil, err
	}
	return seq, full, nil
}

// optimalSequence evaluates every permutation using a pairwise cost cache.
func optimalSequence(g *grid.Grid, start grid.Coord, dests []grid.Coord) ([]grid.Coord, error) {
	cache := map[[2]grid.Coord]int{}
	points := append([]grid.Coord{start}, dests...)
	for i, a := range points {
		for j, b := range points {
			if i == j {
				continue
			}
			if _, ok := cache[[2]grid.Coord{a, b}]; ok {
				continue
			}
			d, err := Distance(g, a, b)
			if err != nil {
				return nil, fmt.Errorf("%w: %v -> %v", ErrNoPath, a, b)
			}
			cache[[2]grid.Coord{a, b}] = d
			cache[[2]grid.Coord{b, a}] = d
		}
	}

	best := -1
	var bestPerm []grid.Coord
	permuteIndexes(len(dests), func(perm []int) {
		total := 0
		cur := start
		for _, pi := range perm {
			total += cache[[2]grid.Coord{cur, dests[pi]}]
			cur = dests[pi]
		}
		// Strict < keeps the earliest permutation on ties; permutations are
		// generated in lexicographic index order, which is input order.
		if best == -1 || total < best {
			best = total
			bestPerm = make([]grid.Coord, len(perm))
			for i, pi := range perm {
				bestPerm[i] = dests[pi]
			}
		}
	})
	return bestPerm, nil
}

// permuteIndexes calls fn with every permutation of 0..n-1 in lexicographic
// order. fn must copy the slice if it keeps it.
func permuteIndexes(n int, fn func([]int)) {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	var rec func(k int)
	rec = func(k int) {
		if k == n {
			fn(idx)
			return
		}
		for i := k; i < n; i++ {
			// Rotate to keep lexicographic order rather than plain swap.
			v := idx[i]
			copy(idx[k+1:i+1], idx[k:i])
			idx[k] = v
			rec(k + 1)
			copy(idx[k:i], idx[k+1:i+1])
			idx[i] = v
		}
	}
	rec(0)
}

// nearestNeighborSequence repeatedly picks the cheapest-to-reach unvisited
// destination; ties keep the earliest input destination.
func nearestNeighborSequence(g *grid.Grid, start grid.Coord, dests []grid.Coord) ([]grid.Coord, error) {
	remaining := make([]grid.Coord, len(dests))
	copy(remaining, dests)
	seq := make([]grid.Coord, 0, len(dests))
	cur := start

	for len(remaining) > 0 {
		bestIdx := -1
		bestDist := 0
		for i, d := range remaining {
			dist, err := Distance(g, cur, d)
			if err != nil {
				continue
			}
			if bestIdx == -1 || dist < bestDist {
				bestIdx = i
				bestDist = dist
			}
		}
		if bestIdx == -1 {
			return nil, fmt.Errorf("%w: no reachable destination from %v", ErrNoPath, cur)
		}
		cur = remaining[bestIdx]
		seq = append(seq, cur)
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return seq, nil
}

func buildPath(g *grid.Grid, start grid.Coord, seq []grid.Coord) ([]grid.Coord, error) {
	legs := make([][]grid.Coord, 0, len(seq))
	cur := start
	for _, d := range seq {
		leg, err := FindPath(g, cur, d)
		if err != nil {
			return nil, err
		}
		legs = append(legs, leg)
		cur = d
	}
	return Stitch(legs...), nil
}
