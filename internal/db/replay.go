package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/bastion-project/bastion/internal/match"
	"github.com/bastion-project/bastion/internal/util"
)

// ErrNotFound is returned when a match has no stored journal.
var ErrNotFound = errors.New("db: match not found")

// MatchRecord is the stored header of one match.
type MatchRecord struct {
	MatchID   string    `json:"match_id"`
	Mode      string    `json:"mode"`
	Map       string    `json:"map"`
	Config    []byte    `json:"-"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Outcome   string    `json:"outcome"`
	Ticks     uint64    `json:"ticks"`
	Digest    string    `json:"digest"`
	Complete  bool      `json:"complete"`
}

// MatchJournal is a match header plus its commands in execution order.
type MatchJournal struct {
	Match   MatchRecord
	Entries []match.JournalEntry
}

type opKind uint8

const (
	opBegin opKind = iota
	opAppend
	opFinish
)

type replayOp struct {
	kind    opKind
	matchID string
	record  MatchRecord
	entries []match.JournalEntry
}

// ReplayStore persists session journals. Record never blocks: operations
// are queued to a single writer goroutine that commits them in batches. A
// match that loses entries to a full queue is stored as incomplete.
type ReplayStore struct {
	db        *Database
	ops       chan replayOp
	batchSize int
	logger    zerolog.Logger
	dropLog   rate.Sometimes

	mu      sync.Mutex
	closed  bool
	dropped map[string]bool
	seq     map[string]int64

	done chan struct{}
}

// NewReplayStore starts the writer. queueSize bounds pending operations;
// batchSize bounds the entries committed per transaction.
func NewReplayStore(db *Database, queueSize, batchSize int) *ReplayStore {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if batchSize <= 0 {
		batchSize = 256
	}
	s := &ReplayStore{
		db:        db,
		ops:       make(chan replayOp, queueSize),
		batchSize: batchSize,
		logger:    util.ComponentLogger("replay"),
		dropLog:   rate.Sometimes{Interval: 10 * time.Second},
		dropped:   make(map[string]bool),
		seq:       make(map[string]int64),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// Begin registers a match before its first journal entry. cfg is the
// serialized session configuration needed to replay it.
func (s *ReplayStore) Begin(matchID, mode, mapName string, cfg []byte) {
	s.enqueue(replayOp{kind: opBegin, matchID: matchID, record: MatchRecord{
		MatchID:   matchID,
		Mode:      mode,
		Map:       mapName,
		Config:    cfg,
		StartedAt: time.Now(),
	}})
}

// Record implements match.Recorder.
func (s *ReplayStore) Record(matchID string, entries []match.JournalEntry) {
	if len(entries) == 0 {
		return
	}
	s.enqueue(replayOp{kind: opAppend, matchID: matchID, entries: entries})
}

// Finish stores the outcome and the final state digest of a match.
func (s *ReplayStore) Finish(matchID, outcome string, ticks uint64, digest string) {
	s.enqueue(replayOp{kind: opFinish, matchID: matchID, record: MatchRecord{
		Outcome: outcome,
		Ticks:   ticks,
		Digest:  digest,
		EndedAt: time.Now(),
	}})
}

func (s *ReplayStore) enqueue(op replayOp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ops <- op:
	default:
		s.dropped[op.matchID] = true
		s.dropLog.Do(func() {
			s.logger.Warn().Str("match_id", op.matchID).Msg("replay queue full, journal marked incomplete")
		})
	}
}

func (s *ReplayStore) run() {
	defer close(s.done)
	for op := range s.ops {
		batch := []replayOp{op}
		n := len(op.entries)
	fill:
		for n < s.batchSize {
			select {
			case next, ok := <-s.ops:
				if !ok {
					break fill
				}
				batch = append(batch, next)
				n += len(next.entries)
			default:
				break fill
			}
		}
		if err := s.write(batch); err != nil {
			s.logger.Error().Err(err).Int("ops", len(batch)).Msg("failed to write replay journal")
		}
	}
}

func (s *ReplayStore) write(batch []replayOp) error {
	return s.db.Transaction(context.Background(), func(tx *sql.Tx) error {
		for _, op := range batch {
			switch op.kind {
			case opBegin:
				r := op.record
				if _, err := tx.Exec(
					`INSERT OR REPLACE INTO matches (match_id, mode, map, config, started_at) VALUES (?, ?, ?, ?, ?)`,
					r.MatchID, r.Mode, r.Map, r.Config, r.StartedAt.Unix(),
				); err != nil {
					return fmt.Errorf("insert match %s: %w", op.matchID, err)
				}

			case opAppend:
				// Entries for a match that was never begun have nothing to hang on.
				var exists int
				if err := tx.QueryRow(`SELECT COUNT(*) FROM matches WHERE match_id = ?`, op.matchID).Scan(&exists); err != nil {
					return err
				}
				if exists == 0 {
					continue
				}
				stmt, err := tx.Prepare(`INSERT INTO journal (match_id, seq, tick, kind, data) VALUES (?, ?, ?, ?, ?)`)
				if err != nil {
					return err
				}
				for _, e := range op.entries {
					if _, err := stmt.Exec(op.matchID, s.nextSeq(op.matchID), e.Tick, int(e.Kind), e.Data); err != nil {
						stmt.Close()
						return fmt.Errorf("insert journal %s: %w", op.matchID, err)
					}
				}
				stmt.Close()

			case opFinish:
				s.mu.Lock()
				complete := !s.dropped[op.matchID]
				delete(s.dropped, op.matchID)
				delete(s.seq, op.matchID)
				s.mu.Unlock()

				r := op.record
				if _, err := tx.Exec(
					`UPDATE matches SET ended_at = ?, outcome = ?, ticks = ?, digest = ?, complete = ? WHERE match_id = ?`,
					r.EndedAt.Unix(), r.Outcome, int64(r.Ticks), r.Digest, complete, op.matchID,
				); err != nil {
					return fmt.Errorf("finish match %s: %w", op.matchID, err)
				}
			}
		}
		return nil
	})
}

func (s *ReplayStore) nextSeq(matchID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[matchID]++
	return s.seq[matchID]
}

// Close drains pending operations and stops the writer.
func (s *ReplayStore) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ops)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load returns a stored match and its journal.
func (s *ReplayStore) Load(ctx context.Context, matchID string) (*MatchJournal, error) {
	rec, err := s.scanMatch(s.db.QueryRow(ctx, `SELECT `+matchColumns+` FROM matches WHERE match_id = ?`, matchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load match %s: %w", matchID, err)
	}

	rows, err := s.db.Query(ctx, `SELECT tick, kind, data FROM journal WHERE match_id = ? ORDER BY seq`, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load journal %s: %w", matchID, err)
	}
	defer rows.Close()

	out := &MatchJournal{Match: rec}
	for rows.Next() {
		var (
			e    match.JournalEntry
			kind int
		)
		if err := rows.Scan(&e.Tick, &kind, &e.Data); err != nil {
			return nil, err
		}
		e.Kind = match.CommandKind(kind)
		out.Entries = append(out.Entries, e)
	}
	return out, rows.Err()
}

// Recent lists the newest matches first.
func (s *ReplayStore) Recent(ctx context.Context, limit int) ([]MatchRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT `+matchColumns+` FROM matches ORDER BY started_at DESC, match_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}
	defer rows.Close()

	var out []MatchRecord
	for rows.Next() {
		rec, err := s.scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes matches started before the cutoff, journals included.
func (s *ReplayStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.Exec(ctx, `DELETE FROM matches WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune replays: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info().Int64("matches", n).Dur("older_than", olderThan).Msg("pruned replay journals")
	}
	return n, nil
}

const matchColumns = `match_id, mode, map, config, started_at, ended_at, outcome, ticks, digest, complete`

type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *ReplayStore) scanMatch(row scanner) (MatchRecord, error) {
	var (
		r              MatchRecord
		started, ended int64
		ticks          int64
	)
	if err := row.Scan(&r.MatchID, &r.Mode, &r.Map, &r.Config, &started, &ended, &r.Outcome, &ticks, &r.Digest, &r.Complete); err != nil {
		return MatchRecord{}, err
	}
	r.StartedAt = time.Unix(started, 0)
	if ended > 0 {
		r.EndedAt = time.Unix(ended, 0)
	}
	r.Ticks = uint64(ticks)
	return r, nil
}
