package grid

// Default map: a 22x15 neighborhood with the depot in the top-left corner,
// twelve houses spread across three districts and tree clusters forming the
// static obstacles. Tables are (row, col) pairs, top-left origin.

const (
	DefaultWidth  = 22
	DefaultHeight = 15
)

var defaultBase = Coord{X: 1, Y: 1}

var defaultHouses = [][2]int{
	// left district
	{4, 4}, {8, 2}, {12, 4},
	// middle district
	{2, 10}, {6, 12}, {10, 10}, {13, 12},
	// right district
	{0, 15}, {14, 2}, {14, 18},
	// outskirts
	{3, 19}, {11, 20},
}

var defaultTrees = [][2]int{
	// left district
	{4, 0}, {5, 0},
	{0, 3}, {0, 4},
	{2, 3}, {3, 3},
	{5, 2}, {6, 2},
	{2, 6}, {3, 6},
	{6, 5}, {7, 5}, {7, 6},
	{9, 1}, {10, 1}, {10, 2},
	{9, 4}, {9, 5},
	{12, 1}, {13, 1},
	{11, 6}, {12, 6},
	{5, 7}, {6, 7},
	{14, 4}, {14, 5},

	// middle district
	{0, 9}, {1, 9},
	{3, 9}, {4, 9},
	{0, 13}, {1, 13},
	{3, 13}, {4, 13},
	{7, 9}, {8, 9},
	{7, 14}, {8, 14},
	{5, 10}, {5, 11},
	{9, 12}, {9, 13},
	{11, 8}, {12, 8},
	{11, 14}, {12, 14},
	{14, 9}, {14, 10},
	{14, 13}, {14, 14},
	{6, 15}, {6, 16},
	{10, 15}, {10, 16},

	// right district
	{0, 17}, {1, 17},
	{0, 21}, {1, 21},
	{2, 17}, {2, 18},
	{4, 20}, {4, 21},
	{6, 18}, {6, 19},
	{8, 17}, {9, 17},
	{8, 21}, {9, 21},
	{12, 17}, {12, 18},
	{12, 20}, {12, 21},
}

func coordsFromRowCol(pairs [][2]int) []Coord {
	out := make([]Coord, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, Coord{X: p[1], Y: p[0]})
	}
	return out
}

// DefaultLayout returns the built-in neighborhood map.
func DefaultLayout() Config {
	return Config{
		Width:  DefaultWidth,
		Height: DefaultHeight,
		Base:   defaultBase,
		Houses: coordsFromRowCol(defaultHouses),
		Static: coordsFromRowCol(defaultTrees),
	}
}
