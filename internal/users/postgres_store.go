package users

import (
	"context"
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

func (s *PostgresStore) GetByID(ctx context.Context, telegramID int64) (*User, error) {
	query := `
		SELECT telegram_id, user_name, first_name, last_name, user_type, created_at
		FROM chat_users
		WHERE telegram_id = $1
	`

	var u User
	err := s.db.QueryRow(ctx, query, telegramID).Scan(
		&u.TelegramID, &u.UserName, &u.FirstName, &u.LastName, &u.UserType, &u.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get chat user: %w", err)
	}

	return &u, nil
}

func (s *PostgresStore) Create(ctx context.Context, user *User) error {
	if user.UserType == "" {
		user.UserType = "guest"
	}

	query := `
		INSERT INTO chat_users (telegram_id, user_name, first_name, last_name, user_type)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (telegram_id) DO NOTHING
	`

	_, err := s.db.Exec(ctx, query,
		user.TelegramID, user.UserName, user.FirstName, user.LastName, user.UserType,
	)
	if err != nil {
		return fmt.Errorf("failed to create chat user: %w", err)
	}

	return nil
}

func (s *PostgresStore) Admins(ctx context.Context) ([]int64, error) {
	query := `SELECT telegram_id FROM chat_users WHERE user_type = 'admin'`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query admins: %w", err)
	}
	defer rows.Close()

	var admins []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan admin id: %w", err)
		}
		admins = append(admins, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating admins: %w", err)
	}

	return admins, nil
}
