// Package tuning loads the runtime knobs for the courier from a yaml
// file. Zero values fall back to defaults so a partial file works.
package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"gridcourier/internal/sim/grid"
)

type Tuning struct {
	Grid GridTuning `yaml:"grid"`

	Capacity          int `yaml:"capacity"`
	MissionTimeoutSec int `yaml:"mission_timeout_sec"`
	TickIntervalMs    int `yaml:"tick_interval_ms"`

	BusQueueSize int `yaml:"bus_queue_size"`

	DataDir string `yaml:"data_dir"`
}

// GridTuning overrides the built-in map. Leaving Houses empty keeps the
// default layout; setting Width/Height without houses gives an empty map.
type GridTuning struct {
	Width  int          `yaml:"width"`
	Height int          `yaml:"height"`
	Base   *grid.Coord  `yaml:"base"`
	Houses []grid.Coord `yaml:"houses"`
	Static []grid.Coord `yaml:"static"`
}

func Defaults() Tuning {
	return Tuning{
		Capacity:          3,
		MissionTimeoutSec: 30,
		TickIntervalMs:    400,
		BusQueueSize:      256,
		DataDir:           "data",
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	applyDefaults(&t)
	if err := validate(t); err != nil {
		return t, err
	}
	return t, nil
}

func applyDefaults(t *Tuning) {
	d := Defaults()
	if t.Capacity == 0 {
		t.Capacity = d.Capacity
	}
	if t.MissionTimeoutSec == 0 {
		t.MissionTimeoutSec = d.MissionTimeoutSec
	}
	if t.TickIntervalMs == 0 {
		t.TickIntervalMs = d.TickIntervalMs
	}
	if t.BusQueueSize == 0 {
		t.BusQueueSize = d.BusQueueSize
	}
	if t.DataDir == "" {
		t.DataDir = d.DataDir
	}
}

func validate(t Tuning) error {
	if t.Capacity < 1 {
		return fmt.Errorf("tuning: capacity %d < 1", t.Capacity)
	}
	if t.MissionTimeoutSec < 1 {
		return fmt.Errorf("tuning: mission_timeout_sec %d < 1", t.MissionTimeoutSec)
	}
	if t.TickIntervalMs < 10 {
		return fmt.Errorf("tuning: tick_interval_ms %d < 10", t.TickIntervalMs)
	}
	if (t.Grid.Width == 0) != (t.Grid.Height == 0) {
		return fmt.Errorf("tuning: grid width and height must be set together")
	}
	return nil
}

// GridConfig resolves the grid override against the built-in map.
func (t Tuning) GridConfig() grid.Config {
	if t.Grid.Width == 0 && t.Grid.Height == 0 {
		return grid.DefaultLayout()
	}
	cfg := grid.Config{
		Width:  t.Grid.Width,
		Height: t.Grid.Height,
		Base:   grid.Coord{X: 1, Y: 1},
		Houses: t.Grid.Houses,
		Static: t.Grid.Static,
	}
	if t.Grid.Base != nil {
		cfg.Base = *t.Grid.Base
	}
	return cfg
}
