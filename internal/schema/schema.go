package schema

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var tables = []string{
	`CREATE TABLE IF NOT EXISTS chat_users (
		telegram_id BIGINT PRIMARY KEY NOT NULL,
		user_name VARCHAR(255),
		first_name VARCHAR(255),
		last_name VARCHAR(255),
		user_type VARCHAR(255),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS current_cost (
		user_id BIGINT PRIMARY KEY,
		day_cost NUMERIC(10, 6),
		month_cost NUMERIC(10, 6),
		all_time_cost NUMERIC(10, 6),
		last_update DATE
	)`,
	`CREATE TABLE IF NOT EXISTS chat_tokens_history (
		user_id BIGINT,
		date DATE,
		tokens_used INTEGER,
		PRIMARY KEY (user_id, date),
		FOREIGN KEY (user_id) REFERENCES current_cost(user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS transcription_seconds_history (
		user_id BIGINT,
		date DATE,
		seconds_used NUMERIC(10, 6),
		PRIMARY KEY (user_id, date),
		FOREIGN KEY (user_id) REFERENCES current_cost(user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS number_images_history (
		user_id BIGINT,
		date DATE,
		image_data JSONB,
		PRIMARY KEY (user_id, date),
		FOREIGN KEY (user_id) REFERENCES current_cost(user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS vision_tokens_history (
		user_id BIGINT,
		date DATE,
		tokens_used INTEGER,
		PRIMARY KEY (user_id, date),
		FOREIGN KEY (user_id) REFERENCES current_cost(user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS tts_characters_history (
		user_id BIGINT,
		tts_model VARCHAR(64),
		date DATE,
		characters_used INTEGER,
		PRIMARY KEY (user_id, tts_model, date),
		FOREIGN KEY (user_id) REFERENCES current_cost(user_id)
	)`,
}

// Ensure creates the usage and user tables if they do not exist.
func Ensure(ctx context.Context, db DB) error {
	for _, ddl := range tables {
		if _, err := db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	log.Println("[Schema] Tables ensured")
	return nil
}

// SeedAdmin marks the given telegram id as an admin, creating the user
// row if needed.
func SeedAdmin(ctx context.Context, db DB, telegramID int64) error {
	query := `
		INSERT INTO chat_users (telegram_id, user_type)
		VALUES ($1, 'admin')
		ON CONFLICT (telegram_id) DO UPDATE SET user_type = 'admin'
	`
	if _, err := db.Exec(ctx, query, telegramID); err != nil {
		return fmt.Errorf("failed to seed admin user: %w", err)
	}
	log.Printf("[Schema] Admin user %d seeded", telegramID)
	return nil
}
