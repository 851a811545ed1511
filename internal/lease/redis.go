package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps job leases as expiring keys, for deployments where several processes share
// a Postgres store and already run Redis for rate limiting.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "lease:job:"}
}

func (r *Redis) key(jobID string) string {
	return r.prefix + jobID
}

func (r *Redis) Acquire(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	ok, err := acquireScript.Run(ctx, r.client, []string{r.key(jobID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if ok != 1 {
		return fmt.Errorf("job %s: %w", jobID, ErrHeld)
	}
	return nil
}

func (r *Redis) Renew(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	ok, err := renewScript.Run(ctx, r.client, []string{r.key(jobID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if ok != 1 {
		return fmt.Errorf("job %s: %w", jobID, ErrLost)
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, jobID, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(jobID)}, owner).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

var acquireScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == false then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if current == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
