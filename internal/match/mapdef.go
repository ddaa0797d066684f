package match

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Path is a polyline units follow, in world units. Leaks on a path cost
// lives to the players of its team.
type Path struct {
	Team   uint8  `json:"team"`
	Points []Vec2 `json:"points"`
}

// Length is the total length of the path.
func (p Path) Length() float64 {
	total := 0.0
	for i := 1; i < len(p.Points); i++ {
		total += p.Points[i].Dist(p.Points[i-1])
	}
	return total
}

// At returns the position and heading at distance d along the path.
func (p Path) At(d float64) (Vec2, float64) {
	if len(p.Points) == 0 {
		return Vec2{}, 0
	}
	for i := 1; i < len(p.Points); i++ {
		seg := p.Points[i].Sub(p.Points[i-1])
		l := seg.Len()
		if d <= l || i == len(p.Points)-1 {
			if l == 0 {
				return p.Points[i], 0
			}
			if d > l {
				d = l
			}
			return p.Points[i-1].Add(seg.Scale(d / l)), seg.Angle()
		}
		d -= l
	}
	return p.Points[0], 0
}

// Zone is a rectangle of buildable grid cells.
type Zone struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Contains reports whether cell (x, y) lies inside the zone.
func (z Zone) Contains(x, y int) bool {
	return x >= z.X && x < z.X+z.W && y >= z.Y && y < z.Y+z.H
}

// SpawnGroup is one spawn instruction of a wave.
type SpawnGroup struct {
	Unit  string `json:"unit"`
	Count int    `json:"count"`
	Path  int    `json:"path"`
}

// WaveDef is an ordered batch of spawns released at IntervalSec.
type WaveDef struct {
	Groups      []SpawnGroup `json:"groups"`
	IntervalSec float64      `json:"interval_sec"`
	Reward      int          `json:"reward"`
}

// UnitCount is the number of units the wave releases.
func (w WaveDef) UnitCount() int {
	n := 0
	for _, g := range w.Groups {
		n += g.Count
	}
	return n
}

// MapDefinition is the static layout of a match.
type MapDefinition struct {
	Name             string    `json:"name"`
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	CellSize         float64   `json:"cell_size"`
	Paths            []Path    `json:"paths"`
	Buildable        []Zone    `json:"buildable"`
	Waves            []WaveDef `json:"waves"`
	MaxSpawnsPerTick int       `json:"max_spawns_per_tick"`
}

// Validate checks that the map is playable with the catalog.
func (m *MapDefinition) Validate(cat *Catalog) error {
	if m.Width <= 0 || m.Height <= 0 || m.CellSize <= 0 {
		return errors.New("map dimensions must be positive")
	}
	if len(m.Paths) == 0 {
		return errors.New("map has no paths")
	}
	for i, p := range m.Paths {
		if len(p.Points) < 2 {
			return fmt.Errorf("path %d needs at least two points", i)
		}
	}
	if len(m.Waves) == 0 {
		return errors.New("map has no waves")
	}
	for i, w := range m.Waves {
		if w.UnitCount() == 0 {
			return fmt.Errorf("wave %d is empty", i+1)
		}
		for _, g := range w.Groups {
			if g.Path < 0 || g.Path >= len(m.Paths) {
				return fmt.Errorf("wave %d: path %d out of range", i+1, g.Path)
			}
			if cat != nil {
				if _, ok := cat.Units[g.Unit]; !ok {
					return fmt.Errorf("wave %d: unknown unit %q", i+1, g.Unit)
				}
			}
		}
	}
	return nil
}

// InGrid reports whether the cell exists.
func (m *MapDefinition) InGrid(x, y int) bool {
	return x >= 0 && y >= 0 && x < m.Width && y < m.Height
}

// CanBuild reports whether a tower may stand on the cell.
func (m *MapDefinition) CanBuild(x, y int) bool {
	if !m.InGrid(x, y) {
		return false
	}
	for _, z := range m.Buildable {
		if z.Contains(x, y) {
			return true
		}
	}
	return false
}

// CellCenter returns the world position of the centre of a cell.
func (m *MapDefinition) CellCenter(x, y int) Vec2 {
	return Vec2{(float64(x) + 0.5) * m.CellSize, (float64(y) + 0.5) * m.CellSize}
}

// Teams returns the distinct path teams in ascending order.
func (m *MapDefinition) Teams() []uint8 {
	seen := make(map[uint8]bool)
	var teams []uint8
	for _, p := range m.Paths {
		if !seen[p.Team] {
			seen[p.Team] = true
			teams = append(teams, p.Team)
		}
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i] < teams[j] })
	return teams
}

func standardWaves(paths []int) []WaveDef {
	group := func(unit string, count int) []SpawnGroup {
		gs := make([]SpawnGroup, 0, len(paths))
		for _, p := range paths {
			gs = append(gs, SpawnGroup{Unit: unit, Count: count, Path: p})
		}
		return gs
	}
	return []WaveDef{
		{Groups: group("Basic", 10), IntervalSec: 0.5, Reward: 50},
		{Groups: group("Fast", 12), IntervalSec: 0.4, Reward: 60},
		{Groups: append(group("Basic", 10), group("Armored", 4)...), IntervalSec: 0.6, Reward: 80},
		{Groups: group("Armored", 10), IntervalSec: 0.8, Reward: 100},
		{Groups: append(group("Fast", 15), group("Boss", 1)...), IntervalSec: 0.5, Reward: 200},
	}
}

// BuiltinMaps returns the maps shipped with the server.
func BuiltinMaps() map[string]MapDefinition {
	return map[string]MapDefinition{
		"meadow": {
			Name: "meadow", Width: 16, Height: 12, CellSize: 1,
			Paths: []Path{{Team: 0, Points: []Vec2{{0, 6}, {8, 6}, {8, 7}, {16, 7}}}},
			Buildable: []Zone{
				{X: 0, Y: 0, W: 16, H: 5},
				{X: 0, Y: 8, W: 16, H: 4},
			},
			Waves:            standardWaves([]int{0}),
			MaxSpawnsPerTick: 2,
		},
		"duel": {
			Name: "duel", Width: 16, Height: 16, CellSize: 1,
			Paths: []Path{
				{Team: 0, Points: []Vec2{{0, 3.5}, {16, 3.5}}},
				{Team: 1, Points: []Vec2{{16, 12.5}, {0, 12.5}}},
			},
			Buildable: []Zone{
				{X: 0, Y: 0, W: 16, H: 3},
				{X: 0, Y: 4, W: 16, H: 4},
				{X: 0, Y: 8, W: 16, H: 4},
				{X: 0, Y: 13, W: 16, H: 3},
			},
			Waves:            standardWaves([]int{0, 1}),
			MaxSpawnsPerTick: 4,
		},
	}
}

// LoadMap returns <dir>/<name>.json when it exists, otherwise the built-in
// map of that name.
func LoadMap(dir, name string) (MapDefinition, error) {
	if dir != "" {
		path := filepath.Join(dir, name+".json")
		data, err := os.ReadFile(path)
		if err == nil {
			var m MapDefinition
			if err := json.Unmarshal(data, &m); err != nil {
				return MapDefinition{}, fmt.Errorf("failed to parse map %s: %w", path, err)
			}
			if m.Name == "" {
				m.Name = name
			}
			return m, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return MapDefinition{}, fmt.Errorf("failed to read map %s: %w", path, err)
		}
	}

	if m, ok := BuiltinMaps()[name]; ok {
		return m, nil
	}
	return MapDefinition{}, fmt.Errorf("unknown map %q", name)
}
