package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jo-hoe/moodframe/internal/core"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

const (
	flashCookieName        = "flash"
	flashSessionCookieName = "flash_session"
	flashRedisKeyPrefix    = "moodframe:flash:"
	flashTTL               = 10 * time.Minute

	flashCategoryError = "error"
)

// FlashMessage is a one-shot message shown on the next rendered page.
type FlashMessage struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// FlashStore keeps flash messages across exactly one redirect.
type FlashStore interface {
	Add(ctx echo.Context, message FlashMessage) error
	// Pop returns and forgets all pending messages of the client.
	Pop(ctx echo.Context) ([]FlashMessage, error)
	Close() error
}

// NewFlashStore creates the store selected in the configuration.
func NewFlashStore(config *core.ServiceConfig) (FlashStore, error) {
	switch config.Flash.Store {
	case "", core.FlashStoreCookie:
		return NewCookieFlashStore([]byte(config.SecretKey)), nil
	case core.FlashStoreRedis:
		client := redis.NewClient(&redis.Options{Addr: config.Flash.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Flash.RedisAddr, err)
		}
		slog.Info("flash messages stored in redis", "addr", config.Flash.RedisAddr)
		return NewRedisFlashStore(client), nil
	default:
		return nil, fmt.Errorf("unsupported flash store: %s", config.Flash.Store)
	}
}

// CookieFlashStore keeps messages client side in an HS256 signed token.
type CookieFlashStore struct {
	secret []byte
}

type flashClaims struct {
	Messages []FlashMessage `json:"msgs"`
	jwt.RegisteredClaims
}

func NewCookieFlashStore(secret []byte) *CookieFlashStore {
	return &CookieFlashStore{secret: secret}
}

func (s *CookieFlashStore) Add(ctx echo.Context, message FlashMessage) error {
	// a tampered or expired pending cookie is simply replaced
	pending, _ := s.read(ctx)

	now := time.Now()
	claims := flashClaims{
		Messages: append(pending, message),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(flashTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return fmt.Errorf("failed to sign flash cookie: %w", err)
	}
	ctx.SetCookie(newCookie(flashCookieName, signed, int(flashTTL.Seconds())))
	return nil
}

func (s *CookieFlashStore) Pop(ctx echo.Context) ([]FlashMessage, error) {
	if _, err := ctx.Cookie(flashCookieName); err != nil {
		return nil, nil
	}
	ctx.SetCookie(newCookie(flashCookieName, "", -1))
	return s.read(ctx)
}

func (s *CookieFlashStore) Close() error {
	return nil
}

func (s *CookieFlashStore) read(ctx echo.Context) ([]FlashMessage, error) {
	cookie, err := ctx.Cookie(flashCookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}
	var claims flashClaims
	_, err = jwt.ParseWithClaims(cookie.Value, &claims, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("invalid flash cookie: %w", err)
	}
	return claims.Messages, nil
}

// RedisFlashStore keeps messages server side in a list keyed by an opaque session cookie.
type RedisFlashStore struct {
	client *redis.Client
}

func NewRedisFlashStore(client *redis.Client) *RedisFlashStore {
	return &RedisFlashStore{client: client}
}

func (s *RedisFlashStore) Add(ctx echo.Context, message FlashMessage) error {
	sessionID := ""
	if cookie, err := ctx.Cookie(flashSessionCookieName); err == nil {
		if _, perr := uuid.Parse(cookie.Value); perr == nil {
			sessionID = cookie.Value
		}
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
		ctx.SetCookie(newCookie(flashSessionCookieName, sessionID, 0))
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode flash message: %w", err)
	}
	rctx := ctx.Request().Context()
	key := flashRedisKeyPrefix + sessionID
	pipe := s.client.TxPipeline()
	pipe.RPush(rctx, key, payload)
	pipe.Expire(rctx, key, flashTTL)
	if _, err := pipe.Exec(rctx); err != nil {
		return fmt.Errorf("failed to store flash message: %w", err)
	}
	return nil
}

func (s *RedisFlashStore) Pop(ctx echo.Context) ([]FlashMessage, error) {
	cookie, err := ctx.Cookie(flashSessionCookieName)
	if err != nil {
		return nil, nil
	}
	if _, err := uuid.Parse(cookie.Value); err != nil {
		return nil, fmt.Errorf("invalid flash session id: %w", err)
	}

	rctx := ctx.Request().Context()
	key := flashRedisKeyPrefix + cookie.Value
	pipe := s.client.TxPipeline()
	pending := pipe.LRange(rctx, key, 0, -1)
	pipe.Del(rctx, key)
	if _, err := pipe.Exec(rctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read flash messages: %w", err)
	}

	messages := make([]FlashMessage, 0, len(pending.Val()))
	for _, raw := range pending.Val() {
		var message FlashMessage
		if err := json.Unmarshal([]byte(raw), &message); err != nil {
			slog.Warn("RedisFlashStore: dropping malformed flash message", "error", err)
			continue
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func (s *RedisFlashStore) Close() error {
	return s.client.Close()
}

func newCookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
