package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrBusy         = errors.New("an appointment operation is already in progress")
	ErrLockNotOwned = errors.New("session lock is not held by this token")
)

type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Result is a deferred message shown to the principal on their next request.
type Result struct {
	Severity Severity `json:"severity"`
	Text     string   `json:"text"`
}

// Locker serialises appointment operations per principal and carries their
// deferred outcome messages.
type Locker interface {
	Acquire(ctx context.Context, principalID int64) (string, error)
	Release(ctx context.Context, principalID int64, token string) error
	Extend(ctx context.Context, principalID int64, token string) error
	KeepAlive(ctx context.Context, principalID int64, token string) (stop func())
	IsLocked(ctx context.Context, principalID int64) (bool, error)
	StashResult(ctx context.Context, principalID int64, severity Severity, text string) error
	PopResult(ctx context.Context, principalID int64) (*Result, error)
	WithSessionLock(ctx context.Context, principalID int64, fn func(ctx context.Context) error) error
}

type redisSessionLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSessionLocker keeps the in-progress flag and job messages in Redis so
// every API worker sees the same state. ttl bounds how long a lock held by a
// crashed worker survives.
func NewRedisSessionLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisSessionLocker{
		client: client,
		ttl:    ttl,
	}
}

func lockKey(principalID int64) string {
	return fmt.Sprintf("session:%d:appointment_request_in_progress", principalID)
}

func messagesKey(principalID int64) string {
	return fmt.Sprintf("session:%d:appointment_job_messages", principalID)
}

func (l *redisSessionLocker) Acquire(ctx context.Context, principalID int64) (string, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, lockKey(principalID), token, l.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire session lock: %w", err)
	}
	if !ok {
		return "", ErrBusy
	}
	return token, nil
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisSessionLocker) Release(ctx context.Context, principalID int64, token string) error {
	n, err := unlockScript.Run(ctx, l.client, []string{lockKey(principalID)}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release session lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotOwned
	}
	return nil
}

var extendScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

// Extend resets the lock's expiry to a full TTL if token still holds it.
func (l *redisSessionLocker) Extend(ctx context.Context, principalID int64, token string) error {
	n, err := extendScript.Run(ctx, l.client, []string{lockKey(principalID)}, token, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("extend session lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotOwned
	}
	return nil
}

// KeepAlive extends the lock every third of its TTL until stop is called or
// the lock is lost. stop waits for the heartbeat to exit.
func (l *redisSessionLocker) KeepAlive(ctx context.Context, principalID int64, token string) (stop func()) {
	interval := l.ttl / 3
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// transient errors retry on the next tick
				if err := l.Extend(ctx, principalID, token); errors.Is(err, ErrLockNotOwned) {
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (l *redisSessionLocker) IsLocked(ctx context.Context, principalID int64) (bool, error) {
	n, err := l.client.Exists(ctx, lockKey(principalID)).Result()
	if err != nil {
		return false, fmt.Errorf("check session lock: %w", err)
	}
	return n == 1, nil
}

func (l *redisSessionLocker) StashResult(ctx context.Context, principalID int64, severity Severity, text string) error {
	data, err := json.Marshal(Result{Severity: severity, Text: text})
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}
	if err := l.client.RPush(ctx, messagesKey(principalID), data).Err(); err != nil {
		return fmt.Errorf("stash job message: %w", err)
	}
	return nil
}

func (l *redisSessionLocker) PopResult(ctx context.Context, principalID int64) (*Result, error) {
	data, err := l.client.LPop(ctx, messagesKey(principalID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pop job message: %w", err)
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode job message: %w", err)
	}
	return &res, nil
}

func (l *redisSessionLocker) WithSessionLock(ctx context.Context, principalID int64, fn func(ctx context.Context) error) error {
	token, err := l.Acquire(ctx, principalID)
	if err != nil {
		return err
	}

	stop := l.KeepAlive(ctx, principalID, token)
	defer func() {
		stop()
		_ = l.Release(context.WithoutCancel(ctx), principalID, token)
	}()

	return fn(ctx)
}
