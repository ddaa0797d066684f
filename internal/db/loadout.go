package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bastion-project/bastion/internal/match"
)

// LoadoutStore keeps character loadouts locally for deployments without a
// persistent-data service. It implements match.LoadoutLoader.
type LoadoutStore struct {
	db *Database
}

// NewLoadoutStore returns a store on an opened database.
func NewLoadoutStore(db *Database) *LoadoutStore {
	return &LoadoutStore{db: db}
}

// LoadLoadout returns the owned towers and items of a character. A character
// with no rows has an empty loadout.
func (s *LoadoutStore) LoadLoadout(ctx context.Context, userID, characterID string) (match.Loadout, error) {
	var lo match.Loadout

	rows, err := s.db.Query(ctx,
		`SELECT tower_id, tower_type, level, xp FROM loadout_towers
		 WHERE user_id = ? AND character_id = ? ORDER BY tower_id`, userID, characterID)
	if err != nil {
		return lo, fmt.Errorf("failed to load towers for %s: %w", userID, err)
	}
	for rows.Next() {
		var t match.OwnedTower
		if err := rows.Scan(&t.ID, &t.Type, &t.Level, &t.XP); err != nil {
			rows.Close()
			return match.Loadout{}, err
		}
		lo.Towers = append(lo.Towers, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return match.Loadout{}, err
	}

	rows, err = s.db.Query(ctx,
		`SELECT item_id, kind, amount FROM loadout_items
		 WHERE user_id = ? AND character_id = ? ORDER BY item_id`, userID, characterID)
	if err != nil {
		return match.Loadout{}, fmt.Errorf("failed to load items for %s: %w", userID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var it match.OwnedItem
		if err := rows.Scan(&it.ID, &it.Kind, &it.Amount); err != nil {
			return match.Loadout{}, err
		}
		lo.Items = append(lo.Items, it)
	}
	return lo, rows.Err()
}

// SaveLoadout replaces a character's loadout.
func (s *LoadoutStore) SaveLoadout(ctx context.Context, userID, characterID string, lo match.Loadout) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM loadout_towers WHERE user_id = ? AND character_id = ?`, userID, characterID); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM loadout_items WHERE user_id = ? AND character_id = ?`, userID, characterID); err != nil {
			return err
		}
		for i, t := range lo.Towers {
			id := t.ID
			if id == "" {
				id = fmt.Sprintf("%s-%d", t.Type, i)
			}
			level := t.Level
			if level < 1 {
				level = 1
			}
			if _, err := tx.Exec(
				`INSERT INTO loadout_towers (user_id, character_id, tower_id, tower_type, level, xp) VALUES (?, ?, ?, ?, ?, ?)`,
				userID, characterID, id, t.Type, level, t.XP,
			); err != nil {
				return fmt.Errorf("insert tower %s: %w", id, err)
			}
		}
		for i, it := range lo.Items {
			id := it.ID
			if id == "" {
				id = fmt.Sprintf("%s-%d", it.Kind, i)
			}
			if _, err := tx.Exec(
				`INSERT INTO loadout_items (user_id, character_id, item_id, kind, amount) VALUES (?, ?, ?, ?, ?)`,
				userID, characterID, id, it.Kind, it.Amount,
			); err != nil {
				return fmt.Errorf("insert item %s: %w", id, err)
			}
		}
		return nil
	})
}
