package match

import (
	"errors"
	"fmt"

	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/protocol"
)

// ActionError is a refused player request. It never leaves partial state
// behind.
type ActionError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func refuse(code protocol.ErrorCode, format string, args ...interface{}) error {
	return &ActionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// processActions validates and applies the requests drained this tick in
// arrival order. Validation and mutation are one step: a request either
// succeeds completely or changes nothing.
func (s *Session) processActions() {
	actions := s.actions
	s.actions = nil

	for _, a := range actions {
		p := s.players[a.player]
		if p == nil {
			continue
		}
		reqID := protocol.RequestID(a.msg)

		entity, err := s.applyAction(p, a.msg)
		if err != nil {
			var ae *ActionError
			if !errors.As(err, &ae) {
				ae = &ActionError{Code: protocol.ErrCodeInternal, Message: err.Error()}
			}
			s.log.Debug().Uint32("player_id", uint32(p.ID)).Uint32("request_id", reqID).
				Str("code", ae.Code.String()).Msg("action refused")
			s.sendError(p, reqID, ae.Code, ae.Message)
			continue
		}
		s.send(p, protocol.ActionAck{RequestID: reqID, EntityID: uint32(entity), Gold: int32(p.Gold)}, true)
	}
}

func (s *Session) applyAction(p *Player, msg protocol.Message) (EntityID, error) {
	if !s.state.Playing() {
		return 0, refuse(protocol.ErrCodeMatchNotStarted, "no wave cycle in progress")
	}
	if !p.limiter.AllowN(s.simNow(), 1) {
		return 0, refuse(protocol.ErrCodeRateLimited, "too many requests")
	}

	switch m := msg.(type) {
	case protocol.TowerBuild:
		return s.buildTower(p, m)
	case protocol.TowerUpgrade:
		return s.upgradeTower(p, m)
	case protocol.TowerSell:
		return s.sellTower(p, m)
	case protocol.AbilityUse:
		return s.useAbility(p, m)
	case protocol.ItemCollect:
		return s.collectItem(p, m)
	}
	return 0, refuse(protocol.ErrCodeUnknownMessage, "not an action")
}

func towerHealth(def TowerDef, level int) int {
	return def.Health * level
}

func (s *Session) buildTower(p *Player, req protocol.TowerBuild) (EntityID, error) {
	def, ok := s.cfg.Catalog.Towers[req.TowerType]
	if !ok {
		return 0, refuse(protocol.ErrCodeUnknownTower, "unknown tower %q", req.TowerType)
	}
	level := 1
	if len(p.Loadout.Towers) > 0 {
		owned, unlocked := p.Loadout.Tower(req.TowerType)
		if !unlocked {
			return 0, refuse(protocol.ErrCodeUnknownTower, "tower %q not unlocked", req.TowerType)
		}
		if owned.Level > level {
			level = min(owned.Level, def.MaxLevel)
		}
	}

	x, y := int(req.GridX), int(req.GridY)
	if !s.cfg.Map.CanBuild(x, y) {
		return 0, refuse(protocol.ErrCodeInvalidPlacement, "cell (%d,%d) is not buildable", x, y)
	}
	if _, taken := s.entities.at(x, y); taken {
		return 0, refuse(protocol.ErrCodeCellOccupied, "cell (%d,%d) is occupied", x, y)
	}
	if p.Gold < def.Cost {
		return 0, refuse(protocol.ErrCodeInsufficientGold, "need %d gold, have %d", def.Cost, p.Gold)
	}

	p.Gold -= def.Cost
	hp := towerHealth(def, level)
	t := s.entities.spawn(&Entity{
		Type:      EntityTower,
		Subtype:   def.Type,
		Owner:     p.ID,
		Pos:       s.cfg.Map.CellCenter(x, y),
		Health:    hp,
		MaxHealth: hp,
		Level:     level,
		GridX:     x,
		GridY:     y,
		Invested:  def.Cost,
	})

	s.publish(events.EventTowerBuilt, events.TowerBuiltPayload{
		MatchID: s.cfg.MatchID, PlayerID: uint32(p.ID), UserID: p.UserID,
		TowerID: uint32(t.ID), TowerType: t.Subtype, Level: t.Level,
		GridX: x, GridY: y, Cost: def.Cost, Tick: s.tick,
	})
	return t.ID, nil
}

func (s *Session) ownedTower(p *Player, id uint32) (*Entity, TowerDef, error) {
	t := s.entities.get(EntityID(id))
	if t == nil || t.Type != EntityTower {
		return nil, TowerDef{}, refuse(protocol.ErrCodeUnknownEntity, "no tower %d", id)
	}
	if t.Owner != p.ID {
		return nil, TowerDef{}, refuse(protocol.ErrCodeNotOwner, "tower %d belongs to another player", id)
	}
	def, ok := s.cfg.Catalog.Towers[t.Subtype]
	if !ok {
		return nil, TowerDef{}, refuse(protocol.ErrCodeUnknownTower, "unknown tower %q", t.Subtype)
	}
	return t, def, nil
}

func (s *Session) upgradeTower(p *Player, req protocol.TowerUpgrade) (EntityID, error) {
	t, def, err := s.ownedTower(p, req.EntityID)
	if err != nil {
		return 0, err
	}
	if t.Level >= def.MaxLevel {
		return 0, refuse(protocol.ErrCodeMaxLevel, "tower %d is at max level", t.ID)
	}
	cost := def.UpgradeCost * t.Level
	if p.Gold < cost {
		return 0, refuse(protocol.ErrCodeInsufficientGold, "need %d gold, have %d", cost, p.Gold)
	}

	p.Gold -= cost
	t.Level++
	t.Invested += cost
	t.MaxHealth = towerHealth(def, t.Level)
	t.Health = t.MaxHealth

	s.publish(events.EventTowerBuilt, events.TowerBuiltPayload{
		MatchID: s.cfg.MatchID, PlayerID: uint32(p.ID), UserID: p.UserID,
		TowerID: uint32(t.ID), TowerType: t.Subtype, Level: t.Level,
		GridX: t.GridX, GridY: t.GridY, Cost: cost, Tick: s.tick,
	})
	return t.ID, nil
}

func (s *Session) sellTower(p *Player, req protocol.TowerSell) (EntityID, error) {
	t, _, err := s.ownedTower(p, req.EntityID)
	if err != nil {
		return 0, err
	}
	refund := t.Invested * s.cfg.SellRefundPercent / 100
	p.Gold += refund
	s.entities.remove(t.ID, ReasonSold)

	s.publish(events.EventTowerSold, events.TowerSoldPayload{
		MatchID: s.cfg.MatchID, PlayerID: uint32(p.ID), UserID: p.UserID,
		TowerID: uint32(t.ID), TowerType: t.Subtype, Refund: refund, Tick: s.tick,
	})
	return t.ID, nil
}

// useAbility applies an area ability and leaves an effect entity at the
// target for the length of its slow, or one tick.
func (s *Session) useAbility(p *Player, req protocol.AbilityUse) (EntityID, error) {
	def, ok := s.cfg.Catalog.Abilities[req.Ability]
	if !ok {
		return 0, refuse(protocol.ErrCodeUnknownAbility, "unknown ability %q", req.Ability)
	}
	if readyAt := p.abilityReady[def.Name]; s.tick < readyAt {
		return 0, refuse(protocol.ErrCodeAbilityOnCooldown, "%s ready in %d ticks", def.Name, readyAt-s.tick)
	}
	if p.Gold < def.Cost {
		return 0, refuse(protocol.ErrCodeInsufficientGold, "need %d gold, have %d", def.Cost, p.Gold)
	}

	p.Gold -= def.Cost
	p.abilityReady[def.Name] = s.tick + uint64(s.cfg.secondsToTicks(def.CooldownSec))

	center := Vec2{float64(req.TargetX), float64(req.TargetY)}
	radius := def.Radius * s.cfg.Map.CellSize
	slowTicks := s.cfg.secondsToTicks(def.SlowSec)
	s.entities.each(func(u *Entity) {
		if u.Type == EntityUnit && u.Pos.Dist(center) <= radius {
			s.hit(u, def.Damage, def.SlowPct, slowTicks, 0, p.ID)
		}
	})

	life := slowTicks
	if life < 1 {
		life = 1
	}
	fx := s.entities.spawn(&Entity{
		Type:      EntityEffect,
		Subtype:   def.Name,
		Owner:     p.ID,
		Pos:       center,
		Level:     1,
		ExpiresAt: s.tick + uint64(life),
	})
	return fx.ID, nil
}

func (s *Session) collectItem(p *Player, req protocol.ItemCollect) (EntityID, error) {
	r := s.entities.get(EntityID(req.EntityID))
	if r == nil || r.Type != EntityResource {
		return 0, refuse(protocol.ErrCodeItemNotFound, "no item %d", req.EntityID)
	}
	p.Gold += r.Amount
	s.entities.remove(r.ID, ReasonCollected)
	return r.ID, nil
}
