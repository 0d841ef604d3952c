package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrUserNotFound = errors.New("user not found")

type User struct {
	TelegramID int64     `json:"telegram_id"`
	UserName   string    `json:"user_name"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	UserType   string    `json:"user_type"` // "guest" or "admin"
	CreatedAt  time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (u *User) MarshalBinary() ([]byte, error) {
	return json.Marshal(u)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (u *User) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, u)
}

type Store interface {
	GetByID(ctx context.Context, telegramID int64) (*User, error)
	Create(ctx context.Context, user *User) error
	Admins(ctx context.Context) ([]int64, error)
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	userKey      contextKey = "user"
	requestIDKey contextKey = "request_id"
)

// NewMiddleware resolves the {userID} path parameter into a registered
// chat user, consulting Redis before the store and auto-registering
// unknown ids as guests. The optional X-User-Name header supplies the
// display name for first-time registration.
func NewMiddleware(store Store, cache *redis.Client) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// Generate RequestID
			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			telegramID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
			if err != nil {
				http.Error(w, "Bad Request: invalid user id", http.StatusBadRequest)
				return
			}

			redisKey := fmt.Sprintf("user:%d", telegramID)

			var user User
			err = cache.Get(ctx, redisKey).Scan(&user)
			if err == nil {
				// Cache hit
				ctx = context.WithValue(ctx, userKey, &user)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			} else if err != redis.Nil {
				log.Printf("users: redis error: %v", err)
			}

			// Cache miss or error: lookup in store
			u, err := store.GetByID(ctx, telegramID)
			if errors.Is(err, ErrUserNotFound) {
				u = &User{
					TelegramID: telegramID,
					UserName:   r.Header.Get("X-User-Name"),
					UserType:   "guest",
				}
				if err := store.Create(ctx, u); err != nil {
					log.Printf("users: failed to register user %d: %v", telegramID, err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
			} else if err != nil {
				log.Printf("users: store error for user %d: %v", telegramID, err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			// Cache the result for 5 minutes
			_ = cache.Set(ctx, redisKey, u, 5*time.Minute).Err()

			ctx = context.WithValue(ctx, userKey, u)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Helpers to extract from context
func FromContext(ctx context.Context) *User {
	if u, ok := ctx.Value(userKey).(*User); ok {
		return u
	}
	return nil
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
