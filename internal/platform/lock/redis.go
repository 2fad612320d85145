package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis is a Locker backed by SET NX PX. The lease is refreshed while held,
// so operations longer than the TTL keep the lock; a crashed holder loses it
// after one TTL.
type Redis struct {
	client goredis.UniversalClient
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
	logger zerolog.Logger
}

func NewRedis(client goredis.UniversalClient, ttl, wait time.Duration, logger zerolog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		wait:   wait,
		poll:   100 * time.Millisecond,
		logger: logger.With().Str("component", "lock").Logger(),
	}
}

func (r *Redis) Acquire(ctx context.Context, name string) (func(), error) {
	token := uuid.NewString()
	deadline := time.Now().Add(r.wait)
	for {
		ok, err := r.client.SetNX(ctx, name, token, r.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrPeriodBusy
		}
		select {
		case <-time.After(r.poll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.refresh(name, token, stop, done)

	released := false
	return func() {
		if released {
			return
		}
		released = true
		close(stop)
		<-done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{name}, token).Err(); err != nil {
			r.logger.Warn().Err(err).Str("lock", name).Msg("release failed, lock expires with its ttl")
		}
	}, nil
}

func (r *Redis) refresh(name, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			n, err := refreshScript.Run(ctx, r.client, []string{name}, token, r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				r.logger.Warn().Err(err).Str("lock", name).Msg("lock refresh failed")
			} else if n == 0 {
				r.logger.Error().Str("lock", name).Msg("lock lost before release")
				return
			}
		}
	}
}
