package match

import (
	"math"

	"github.com/bastion-project/bastion/internal/events"
)

const maxSlow = 0.9

// advance moves units and projectiles, spawns wave units and counts down
// cooldowns and resource and effect lifetimes.
func (s *Session) advance() {
	if s.state == StateWaveInProgress {
		for _, o := range s.wave.release(s.tick) {
			s.spawnUnit(o)
		}
	}

	s.entities.each(func(e *Entity) {
		switch e.Type {
		case EntityUnit:
			s.moveUnit(e)
		case EntityProjectile:
			s.moveProjectile(e)
		case EntityTower:
			if e.Cooldown > 0 {
				e.Cooldown--
			}
		case EntityResource, EntityEffect:
			if s.tick >= e.ExpiresAt {
				s.entities.remove(e.ID, ReasonExpired)
			}
		}
	})
}

func (s *Session) spawnUnit(o spawnOrder) {
	def := s.cfg.Catalog.Units[o.unit]
	path := s.cfg.Map.Paths[o.path]
	pos, heading := path.At(0)
	s.entities.spawn(&Entity{
		Type:      EntityUnit,
		Subtype:   def.Type,
		Pos:       pos,
		Rotation:  heading,
		Health:    def.Health,
		MaxHealth: def.Health,
		Level:     1,
		Path:      o.path,
		Speed:     def.Speed * s.cfg.Map.CellSize / float64(s.cfg.TickRate),
	})
}

func (s *Session) moveUnit(e *Entity) {
	if !e.alive() {
		return
	}
	step := e.Speed
	if e.SlowTicks > 0 {
		step *= 1 - e.SlowPct
		e.SlowTicks--
		if e.SlowTicks == 0 {
			e.SlowPct = 0
		}
	}
	e.Progress += step
	e.Pos, e.Rotation = s.cfg.Map.Paths[e.Path].At(e.Progress)
}

func (s *Session) moveProjectile(e *Entity) {
	target := s.entities.get(e.Target)
	if target == nil || !target.alive() {
		s.entities.remove(e.ID, ReasonExpired)
		return
	}
	to := target.Pos.Sub(e.Pos)
	dist := to.Len()
	if dist <= e.Speed {
		s.hit(target, e.Damage, e.SlowPct, e.SlowFor, e.Source, e.Owner)
		s.entities.remove(e.ID, ReasonImpact)
		return
	}
	e.Pos = e.Pos.Add(to.Scale(e.Speed / dist))
	e.Rotation = to.Angle()
}

// hit applies damage and slow to a unit and remembers who hit it last.
func (s *Session) hit(target *Entity, damage int, slowPct float64, slowTicks int, source EntityID, owner PlayerID) {
	if !target.alive() {
		return
	}
	target.Health -= damage
	if target.Health < 0 {
		target.Health = 0
	}
	if slowPct > 0 && slowTicks > 0 {
		if slowPct > maxSlow {
			slowPct = maxSlow
		}
		if slowPct >= target.SlowPct {
			target.SlowPct = slowPct
		}
		if slowTicks > target.SlowTicks {
			target.SlowTicks = slowTicks
		}
	}
	target.LastHitBy = source
	target.LastHitOwner = owner
}

// combat lets every ready tower, in id order, fire at the unit furthest
// along its path within range. Ties go to the lowest entity id.
func (s *Session) combat() {
	if !s.state.Playing() {
		return
	}
	units := s.entities.ofType(EntityUnit)
	if len(units) == 0 {
		return
	}

	s.entities.each(func(t *Entity) {
		if t.Type != EntityTower || t.Cooldown > 0 {
			return
		}
		def, ok := s.cfg.Catalog.Towers[t.Subtype]
		if !ok {
			return
		}

		reach := def.Range * (1 + t.Bonus.RangePct) * s.cfg.Map.CellSize
		var target *Entity
		for _, u := range units {
			if !u.alive() || u.Pos.Dist(t.Pos) > reach {
				continue
			}
			if target == nil || u.Progress > target.Progress {
				target = u
			}
		}
		if target == nil {
			return
		}

		damage := float64(def.Damage+def.DamagePerLevel*(t.Level-1)) * (1 + t.Bonus.DamagePct)
		crit := s.rng.Chance(def.CritChance + t.Bonus.CritChance)
		if crit {
			mult := def.CritMultiplier + t.Bonus.CritMultiplier
			if mult < 1 {
				mult = 1
			}
			damage *= mult
		}
		slow := def.SlowPct + t.Bonus.SlowPct
		slowTicks := s.cfg.secondsToTicks(def.SlowSec)

		t.Cooldown = s.cfg.secondsToTicks(def.CooldownSec)
		t.Rotation = target.Pos.Sub(t.Pos).Angle()
		dmg := int(math.Round(damage))

		if def.ProjectileSpeed <= 0 {
			s.hit(target, dmg, slow, slowTicks, t.ID, t.Owner)
			return
		}
		s.entities.spawn(&Entity{
			Type:      EntityProjectile,
			Subtype:   t.Subtype,
			Owner:     t.Owner,
			Pos:       t.Pos,
			Rotation:  t.Rotation,
			Health:    1,
			MaxHealth: 1,
			Target:    target.ID,
			Source:    t.ID,
			Damage:    dmg,
			Crit:      crit,
			SlowPct:   slow,
			SlowFor:   slowTicks,
			Speed:     def.ProjectileSpeed * s.cfg.Map.CellSize / float64(s.cfg.TickRate),
		})
	})
}

// resolve removes dead and leaked units, paying bounties, tower XP and
// rolling resource drops.
func (s *Session) resolve() {
	s.entities.each(func(u *Entity) {
		if u.Type != EntityUnit {
			return
		}
		path := s.cfg.Map.Paths[u.Path]
		switch {
		case !u.alive():
			s.kill(u)
		case u.Progress >= path.Length():
			s.leak(u, path.Team)
		}
	})
}

func (s *Session) kill(u *Entity) {
	def := s.cfg.Catalog.Units[u.Subtype]
	killer := s.players[u.LastHitOwner]
	if killer != nil {
		killer.Gold += def.Bounty
		killer.Score += def.Score
		killer.Kills++
	}

	s.publish(events.EventUnitKilled, events.UnitKilledPayload{
		MatchID: s.cfg.MatchID, UnitID: uint32(u.ID), UnitType: u.Subtype,
		TowerID: uint32(u.LastHitBy), PlayerID: uint32(u.LastHitOwner), Bounty: def.Bounty, Tick: s.tick,
	})

	if tower := s.entities.get(u.LastHitBy); tower != nil && tower.Type == EntityTower && def.Bounty > 0 {
		tower.XP += def.Bounty
		var userID string
		if killer != nil {
			userID = killer.UserID
		}
		s.publish(events.EventTowerXPGained, events.TowerXPGainedPayload{
			MatchID: s.cfg.MatchID, PlayerID: uint32(tower.Owner), UserID: userID,
			TowerID: uint32(tower.ID), TowerType: tower.Subtype, XP: def.Bounty, Total: tower.XP, Tick: s.tick,
		})
	}

	if def.DropGold > 0 && s.rng.Chance(def.DropChance) {
		r := s.entities.spawn(&Entity{
			Type:      EntityResource,
			Subtype:   ItemGold,
			Pos:       u.Pos,
			Health:    1,
			MaxHealth: 1,
			Amount:    def.DropGold,
			ExpiresAt: s.tick + s.cfg.ticks(s.cfg.ResourceLifetime),
		})
		s.publish(events.EventItemDropped, events.ItemDroppedPayload{
			MatchID: s.cfg.MatchID, EntityID: uint32(r.ID), ItemType: r.Subtype, Amount: r.Amount,
			X: r.Pos.X, Y: r.Pos.Y, Tick: s.tick,
		})
	}

	s.entities.remove(u.ID, ReasonKilled)
	if s.wave != nil {
		s.wave.resolve(false)
	}
}

func (s *Session) leak(u *Entity, team uint8) {
	def := s.cfg.Catalog.Units[u.Subtype]
	for _, id := range s.playerOrder {
		p := s.players[id]
		if p.Team != team {
			continue
		}
		p.Lives -= def.LeakDamage
		if p.Lives < 0 {
			p.Lives = 0
		}
	}
	s.entities.remove(u.ID, ReasonLeaked)
	if s.wave != nil {
		s.wave.resolve(true)
	}
}
