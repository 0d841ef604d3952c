package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, userID int64) (*SnapshotRecord, error) {
	var rec SnapshotRecord
	err := s.db.QueryRow(ctx, `
		SELECT day_cost, month_cost, all_time_cost, last_update
		FROM current_cost
		WHERE user_id = $1
	`, userID).Scan(&rec.Costs.Day, &rec.Costs.Month, &rec.Costs.AllTime, &rec.Costs.LastUpdate)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load current cost: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT date, tokens_used FROM chat_tokens_history WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat token history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var row TokenRow
		if err := rows.Scan(&row.Date, &row.Tokens); err != nil {
			return nil, fmt.Errorf("failed to scan chat token history: %w", err)
		}
		rec.ChatTokens = append(rec.ChatTokens, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chat token history: %w", err)
	}

	rows, err = s.db.Query(ctx, `
		SELECT date, seconds_used FROM transcription_seconds_history WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcription history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var row SecondsRow
		if err := rows.Scan(&row.Date, &row.Seconds); err != nil {
			return nil, fmt.Errorf("failed to scan transcription history: %w", err)
		}
		rec.Transcription = append(rec.Transcription, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transcription history: %w", err)
	}

	rows, err = s.db.Query(ctx, `
		SELECT date, image_data FROM number_images_history WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query image history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var row ImageRow
		if err := rows.Scan(&row.Date, &row.Counts); err != nil {
			return nil, fmt.Errorf("failed to scan image history: %w", err)
		}
		rec.Images = append(rec.Images, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating image history: %w", err)
	}

	return &rec, nil
}

func (s *PostgresStore) PersistSnapshot(ctx context.Context, userID int64, snap *Snapshot) error {
	allTime := 0.0
	if snap.CurrentCost.AllTime != nil {
		allTime = *snap.CurrentCost.AllTime
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO current_cost (user_id, day_cost, month_cost, all_time_cost, last_update)
		VALUES ($1, $2, $3, $4, $5::date)
		ON CONFLICT (user_id) DO UPDATE SET
			day_cost = EXCLUDED.day_cost,
			month_cost = EXCLUDED.month_cost,
			all_time_cost = EXCLUDED.all_time_cost,
			last_update = EXCLUDED.last_update
	`, userID, snap.CurrentCost.Day, snap.CurrentCost.Month, allTime, snap.CurrentCost.LastUpdate)
	if err != nil {
		return fmt.Errorf("failed to upsert current cost: %w", err)
	}

	for date, tokens := range snap.History.ChatTokens {
		_, err := s.db.Exec(ctx, `
			INSERT INTO chat_tokens_history (user_id, date, tokens_used)
			VALUES ($1, $2::date, $3)
			ON CONFLICT (user_id, date) DO UPDATE SET
				tokens_used = EXCLUDED.tokens_used
		`, userID, date, tokens)
		if err != nil {
			return fmt.Errorf("failed to upsert chat token history: %w", err)
		}
	}

	for date, seconds := range snap.History.TranscriptionSeconds {
		_, err := s.db.Exec(ctx, `
			INSERT INTO transcription_seconds_history (user_id, date, seconds_used)
			VALUES ($1, $2::date, $3)
			ON CONFLICT (user_id, date) DO UPDATE SET
				seconds_used = EXCLUDED.seconds_used
		`, userID, date, seconds)
		if err != nil {
			return fmt.Errorf("failed to upsert transcription history: %w", err)
		}
	}

	for date, counts := range snap.History.NumberImages {
		data, err := json.Marshal(counts)
		if err != nil {
			return fmt.Errorf("failed to encode image counts: %w", err)
		}
		_, err = s.db.Exec(ctx, `
			INSERT INTO number_images_history (user_id, date, image_data)
			VALUES ($1, $2::date, $3::jsonb)
			ON CONFLICT (user_id, date) DO UPDATE SET
				image_data = EXCLUDED.image_data
		`, userID, date, string(data))
		if err != nil {
			return fmt.Errorf("failed to upsert image history: %w", err)
		}
	}

	for date, tokens := range snap.History.VisionTokens {
		_, err := s.db.Exec(ctx, `
			INSERT INTO vision_tokens_history (user_id, date, tokens_used)
			VALUES ($1, $2::date, $3)
			ON CONFLICT (user_id, date) DO UPDATE SET
				tokens_used = EXCLUDED.tokens_used
		`, userID, date, tokens)
		if err != nil {
			return fmt.Errorf("failed to upsert vision token history: %w", err)
		}
	}

	for model, dates := range snap.History.TTSCharacters {
		for date, characters := range dates {
			_, err := s.db.Exec(ctx, `
				INSERT INTO tts_characters_history (user_id, tts_model, date, characters_used)
				VALUES ($1, $2, $3::date, $4)
				ON CONFLICT (user_id, tts_model, date) DO UPDATE SET
					characters_used = EXCLUDED.characters_used
			`, userID, model, date, characters)
			if err != nil {
				return fmt.Errorf("failed to upsert tts history: %w", err)
			}
		}
	}

	return nil
}
