package match

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// TowerDef describes a buildable tower. Distances are in grid cells and
// durations in seconds; the session converts them to world units and ticks.
type TowerDef struct {
	Type            string  `json:"type"`
	Cost            int     `json:"cost"`
	UpgradeCost     int     `json:"upgrade_cost"`
	MaxLevel        int     `json:"max_level"`
	Damage          int     `json:"damage"`
	DamagePerLevel  int     `json:"damage_per_level"`
	Range           float64 `json:"range"`
	CooldownSec     float64 `json:"cooldown_sec"`
	ProjectileSpeed float64 `json:"projectile_speed"`
	CritChance      float64 `json:"crit_chance"`
	CritMultiplier  float64 `json:"crit_multiplier"`
	SlowPct         float64 `json:"slow_pct"`
	SlowSec         float64 `json:"slow_sec"`
	Health          int     `json:"health"`
}

// UnitDef describes an attacker.
type UnitDef struct {
	Type       string  `json:"type"`
	Health     int     `json:"health"`
	Speed      float64 `json:"speed"`
	Bounty     int     `json:"bounty"`
	Score      int     `json:"score"`
	LeakDamage int     `json:"leak_damage"`
	DropChance float64 `json:"drop_chance"`
	DropGold   int     `json:"drop_gold"`
}

// AbilityDef describes a player-cast area ability.
type AbilityDef struct {
	Name        string  `json:"name"`
	Cost        int     `json:"cost"`
	CooldownSec float64 `json:"cooldown_sec"`
	Damage      int     `json:"damage"`
	Radius      float64 `json:"radius"`
	SlowPct     float64 `json:"slow_pct"`
	SlowSec     float64 `json:"slow_sec"`
}

// Catalog is the content a session simulates.
type Catalog struct {
	Towers    map[string]TowerDef   `json:"towers"`
	Units     map[string]UnitDef    `json:"units"`
	Abilities map[string]AbilityDef `json:"abilities"`
}

// DefaultCatalog returns the built-in content.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Towers: map[string]TowerDef{
			"arrow": {
				Type: "arrow", Cost: 150, UpgradeCost: 100, MaxLevel: 3,
				Damage: 20, DamagePerLevel: 10, Range: 3, CooldownSec: 0.5,
				ProjectileSpeed: 12, CritChance: 0.1, CritMultiplier: 2, Health: 100,
			},
			"cannon": {
				Type: "cannon", Cost: 250, UpgradeCost: 175, MaxLevel: 3,
				Damage: 60, DamagePerLevel: 30, Range: 2.5, CooldownSec: 1.5,
				ProjectileSpeed: 6, CritChance: 0.05, CritMultiplier: 1.5, Health: 150,
			},
			"frost": {
				Type: "frost", Cost: 200, UpgradeCost: 150, MaxLevel: 3,
				Damage: 8, DamagePerLevel: 4, Range: 2.5, CooldownSec: 1,
				SlowPct: 0.4, SlowSec: 1.5, Health: 100,
			},
		},
		Units: map[string]UnitDef{
			"Basic":   {Type: "Basic", Health: 60, Speed: 1.5, Bounty: 10, Score: 10, LeakDamage: 1, DropChance: 0.05, DropGold: 15},
			"Fast":    {Type: "Fast", Health: 40, Speed: 3, Bounty: 12, Score: 12, LeakDamage: 1, DropChance: 0.05, DropGold: 15},
			"Armored": {Type: "Armored", Health: 200, Speed: 1, Bounty: 25, Score: 30, LeakDamage: 2, DropChance: 0.1, DropGold: 30},
			"Boss":    {Type: "Boss", Health: 1500, Speed: 0.75, Bounty: 200, Score: 250, LeakDamage: 10, DropChance: 1, DropGold: 100},
		},
		Abilities: map[string]AbilityDef{
			"meteor": {Name: "meteor", Cost: 50, CooldownSec: 20, Damage: 120, Radius: 1.5},
			"freeze": {Name: "freeze", Cost: 25, CooldownSec: 15, Radius: 2.5, SlowPct: 0.6, SlowSec: 3},
		},
	}
}

// LoadCatalog reads a JSON catalog and overlays it on the defaults. An
// empty path returns the defaults.
func LoadCatalog(path string) (*Catalog, error) {
	cat := DefaultCatalog()
	if path == "" {
		return cat, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var overlay Catalog
	if err := json.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	for k, v := range overlay.Towers {
		v.Type = k
		cat.Towers[k] = v
	}
	for k, v := range overlay.Units {
		v.Type = k
		cat.Units[k] = v
	}
	for k, v := range overlay.Abilities {
		v.Name = k
		cat.Abilities[k] = v
	}
	return cat, cat.Validate()
}

// Validate checks the catalog for values the simulation cannot use.
func (c *Catalog) Validate() error {
	for k, t := range c.Towers {
		if t.Cost < 0 || t.UpgradeCost < 0 {
			return fmt.Errorf("tower %s: negative cost", k)
		}
		if t.MaxLevel < 1 {
			return fmt.Errorf("tower %s: max_level must be at least 1", k)
		}
		if t.Range <= 0 || t.CooldownSec <= 0 {
			return fmt.Errorf("tower %s: range and cooldown must be positive", k)
		}
	}
	for k, u := range c.Units {
		if u.Health <= 0 || u.Speed <= 0 {
			return fmt.Errorf("unit %s: health and speed must be positive", k)
		}
	}
	for k, a := range c.Abilities {
		if a.Radius <= 0 || a.CooldownSec < 0 {
			return fmt.Errorf("ability %s: invalid radius or cooldown", k)
		}
	}
	return nil
}

// TowerTypes returns the tower types in sorted order.
func (c *Catalog) TowerTypes() []string {
	types := make([]string, 0, len(c.Towers))
	for k := range c.Towers {
		types = append(types, k)
	}
	sort.Strings(types)
	return types
}
