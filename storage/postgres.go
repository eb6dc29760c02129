package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	_ "github.com/jackc/pgx/v5/stdlib"

	"pipeline-board/domain"
)

// Open connects to Postgres through the pgx database/sql driver.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// Postgres stores the board relationally. Each event is applied in one
// transaction together with the board cursor, so a redelivered event is
// recognised and skipped.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) LoadSnapshot(ctx context.Context) (domain.BoardState, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, color, position, freshness_threshold_ms
		FROM stages ORDER BY position, id`)
	if err != nil {
		return domain.BoardState{}, fmt.Errorf("query stages: %w", err)
	}
	defer rows.Close()

	state := domain.BoardState{}
	index := map[string]int{}
	for rows.Next() {
		var st domain.Stage
		var thresholdMS int64
		if err := rows.Scan(&st.ID, &st.Title, &st.Color, &st.Position, &thresholdMS); err != nil {
			return domain.BoardState{}, fmt.Errorf("scan stage: %w", err)
		}
		st.Threshold = domain.Duration(time.Duration(thresholdMS) * time.Millisecond)
		index[st.ID] = len(state.Stages)
		state.Stages = append(state.Stages, domain.StageItems{Stage: st, Items: []domain.Item{}})
	}
	if err := rows.Err(); err != nil {
		return domain.BoardState{}, fmt.Errorf("iterate stages: %w", err)
	}

	itemRows, err := p.db.QueryContext(ctx, `
		SELECT id, stage_id, position, last_activity, created_at, attributes
		FROM items ORDER BY stage_id, position, id`)
	if err != nil {
		return domain.BoardState{}, fmt.Errorf("query items: %w", err)
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var it domain.Item
		var attrs []byte
		if err := itemRows.Scan(&it.ID, &it.StageID, &it.Position, &it.LastActivity, &it.CreatedAt, &attrs); err != nil {
			return domain.BoardState{}, fmt.Errorf("scan item: %w", err)
		}
		if err := sonic.Unmarshal(attrs, &it.Attributes); err != nil {
			return domain.BoardState{}, fmt.Errorf("decode attributes of item %s: %w", it.ID, err)
		}
		it.LastActivity = it.LastActivity.UTC()
		it.CreatedAt = it.CreatedAt.UTC()
		i, ok := index[it.StageID]
		if !ok {
			return domain.BoardState{}, fmt.Errorf("item %s references unknown stage %s", it.ID, it.StageID)
		}
		state.Stages[i].Items = append(state.Stages[i].Items, it)
	}
	if err := itemRows.Err(); err != nil {
		return domain.BoardState{}, fmt.Errorf("iterate items: %w", err)
	}
	return state, nil
}

func (p *Postgres) Persist(ctx context.Context, ev domain.Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin persist tx: %w", err)
	}
	defer tx.Rollback()

	var epoch string
	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT epoch, seq FROM board_cursor WHERE id = 1 FOR UPDATE`).Scan(&epoch, &seq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read cursor: %w", err)
	case epoch == ev.Epoch && seq >= ev.Seq:
		return nil
	}

	if err := applyEvent(ctx, tx, ev); err != nil {
		return fmt.Errorf("persist %s seq %d: %w", ev.Type, ev.Seq, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO board_cursor (id, epoch, seq, updated_at) VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET epoch = EXCLUDED.epoch, seq = EXCLUDED.seq, updated_at = NOW()`,
		ev.Epoch, ev.Seq); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return tx.Commit()
}

// Reconcile rewrites every row from snap and moves the cursor to it in one
// transaction.
func (p *Postgres) Reconcile(ctx context.Context, snap domain.Snapshot) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reconcile tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM items`); err != nil {
		return fmt.Errorf("clear items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stages`); err != nil {
		return fmt.Errorf("clear stages: %w", err)
	}
	state := snap.State()
	for i, col := range state.Stages {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stages (id, title, color, position, freshness_threshold_ms) VALUES ($1, $2, $3, $4, $5)`,
			col.ID, col.Title, col.Color, i, col.Threshold.Std().Milliseconds()); err != nil {
			return fmt.Errorf("insert stage %s: %w", col.ID, err)
		}
	}
	for _, col := range state.Stages {
		for i, it := range col.Items {
			attrs, err := sonic.Marshal(it.Attributes)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO items (id, stage_id, position, last_activity, created_at, attributes)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				it.ID, col.ID, i, it.LastActivity, it.CreatedAt, attrs); err != nil {
				return fmt.Errorf("insert item %s: %w", it.ID, err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO board_cursor (id, epoch, seq, updated_at) VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET epoch = EXCLUDED.epoch, seq = EXCLUDED.seq, updated_at = NOW()`,
		snap.Epoch, snap.Seq); err != nil {
		return fmt.Errorf("move cursor: %w", err)
	}
	return tx.Commit()
}

func applyEvent(ctx context.Context, tx *sql.Tx, ev domain.Event) error {
	switch ev.Type {
	case domain.ItemMoved:
		if ev.Move == nil {
			return errMissingPayload
		}
		return moveItemRow(ctx, tx, *ev.Move)
	case domain.ItemCreated:
		if ev.Item == nil {
			return errMissingPayload
		}
		return insertItemRow(ctx, tx, *ev.Item)
	case domain.ItemUpdated:
		if ev.Item == nil {
			return errMissingPayload
		}
		attrs, err := sonic.Marshal(ev.Item.Attributes)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE items SET attributes = $2, last_activity = $3 WHERE id = $1`,
			ev.Item.ID, attrs, ev.Item.LastActivity)
		return err
	case domain.ItemDeleted:
		if ev.Item == nil {
			return errMissingPayload
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, ev.Item.ID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE items SET position = position - 1 WHERE stage_id = $1 AND position > $2`,
			ev.Item.StageID, ev.Item.Position)
		return err
	case domain.StageCreated:
		if ev.Stage == nil {
			return errMissingPayload
		}
		if _, err := tx.ExecContext(ctx, `UPDATE stages SET position = position + 1 WHERE position >= $1`, ev.Stage.Position); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stages (id, title, color, position, freshness_threshold_ms) VALUES ($1, $2, $3, $4, $5)`,
			ev.Stage.ID, ev.Stage.Title, ev.Stage.Color, ev.Stage.Position, ev.Stage.Threshold.Std().Milliseconds())
		return err
	case domain.StageUpdated:
		if ev.Stage == nil {
			return errMissingPayload
		}
		_, err := tx.ExecContext(ctx, `UPDATE stages SET title = $2, color = $3, freshness_threshold_ms = $4 WHERE id = $1`,
			ev.Stage.ID, ev.Stage.Title, ev.Stage.Color, ev.Stage.Threshold.Std().Milliseconds())
		return err
	case domain.StageDeleted:
		if ev.StageDeletion == nil {
			return errMissingPayload
		}
		return deleteStageRow(ctx, tx, *ev.StageDeletion, ev.Timestamp)
	case domain.StagesReordered:
		for i, id := range ev.StageOrder {
			if _, err := tx.ExecContext(ctx, `UPDATE stages SET position = $2 WHERE id = $1`, id, i); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: unknown event type %q", domain.ErrInvalidArgument, ev.Type)
}

var errMissingPayload = fmt.Errorf("%w: event payload missing", domain.ErrInvalidArgument)

func moveItemRow(ctx context.Context, tx *sql.Tx, m domain.MoveEvent) error {
	if _, err := tx.ExecContext(ctx, `UPDATE items SET position = position - 1 WHERE stage_id = $1 AND position > $2`,
		m.SourceStageID, m.SourcePosition); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE items SET position = position + 1 WHERE stage_id = $1 AND position >= $2 AND id <> $3`,
		m.TargetStageID, m.Position, m.ItemID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE items SET stage_id = $2, position = $3, last_activity = $4 WHERE id = $1`,
		m.ItemID, m.TargetStageID, m.Position, m.At)
	return err
}

func insertItemRow(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	attrs, err := sonic.Marshal(it.Attributes)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE items SET position = position + 1 WHERE stage_id = $1 AND position >= $2`,
		it.StageID, it.Position); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO items (id, stage_id, position, last_activity, created_at, attributes)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		it.ID, it.StageID, it.Position, it.LastActivity, it.CreatedAt, attrs)
	return err
}

func deleteStageRow(ctx context.Context, tx *sql.Tx, d domain.StageDeletion, at time.Time) error {
	var position int
	if err := tx.QueryRowContext(ctx, `SELECT position FROM stages WHERE id = $1`, d.StageID).Scan(&position); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if d.ReassignedTo != "" {
		var base int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE stage_id = $1`, d.ReassignedTo).Scan(&base); err != nil {
			return err
		}
		for i, id := range d.Moved {
			if _, err := tx.ExecContext(ctx, `UPDATE items SET stage_id = $2, position = $3, last_activity = $4 WHERE id = $1`,
				id, d.ReassignedTo, base+i, at); err != nil {
				return err
			}
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stages WHERE id = $1`, d.StageID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE stages SET position = position - 1 WHERE position > $1`, position)
	return err
}
