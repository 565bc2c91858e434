// Package throttle はメールアドレス単位のログイン失敗回数制限を提供する。
package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultMaxFailures は制限がかかるまでの失敗回数のデフォルト値。
	DefaultMaxFailures = 10
	// DefaultWindow は失敗回数を数える期間のデフォルト値。
	DefaultWindow = 15 * time.Minute
)

// ErrUnavailable は制限ストアに到達できないことを表す。
var ErrUnavailable = errors.New("login throttle unavailable")

// RedisLimiter はRedisのINCRとEXPIREで失敗回数を数える。
// 最初の失敗から期間が過ぎるとカウンタは自然に消える。
type RedisLimiter struct {
	redis       *redis.Client
	maxFailures int64
	window      time.Duration
}

// NewRedisLimiter はRedisLimiterを生成する。
func NewRedisLimiter(client *redis.Client, maxFailures int, window time.Duration) *RedisLimiter {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisLimiter{redis: client, maxFailures: int64(maxFailures), window: window}
}

func (l *RedisLimiter) key(email string) string {
	return "login_fail:" + email
}

// Allow は失敗回数が上限未満であればtrueを返す。
func (l *RedisLimiter) Allow(ctx context.Context, email string) (bool, error) {
	count, err := l.redis.Get(ctx, l.key(email)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return true, nil
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return count < l.maxFailures, nil
}

// RecordFailure は失敗回数を1増やす。
// キーの作成と有効期限の設定はSET NX EXで同時に行い、INCRと同じトランザクションで送る。
// 有効期限のないカウンタが残ることはない。ウィンドウは最初の失敗から固定。
func (l *RedisLimiter) RecordFailure(ctx context.Context, email string) error {
	key := l.key(email)
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, 0, l.window)
		pipe.Incr(ctx, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Reset は失敗回数を消去する。
func (l *RedisLimiter) Reset(ctx context.Context, email string) error {
	if err := l.redis.Del(ctx, l.key(email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Noop はREDIS_URL未設定時に使う、常に許可する実装。
type Noop struct{}

func (Noop) Allow(context.Context, string) (bool, error) { return true, nil }
func (Noop) RecordFailure(context.Context, string) error { return nil }
func (Noop) Reset(context.Context, string) error { return nil }

// NewRedisClient はURLからRedisクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}
