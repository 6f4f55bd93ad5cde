package lease

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// GoRedisClient adapts *redis.Client to the RedisClient interface this
// package consumes, the same thin-wrapper shape the teacher used around
// go-redis in its fabric package.
type GoRedisClient struct {
	rdb *goredis.Client
}

func NewGoRedisClient(addr, password string, db int) *GoRedisClient {
	return &GoRedisClient{rdb: goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (c *GoRedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c *GoRedisClient) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", nil
	}
	return v, err
}

func (c *GoRedisClient) Del(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// setIfEqualScript is a Lua compare-and-swap: only write newValue (and
// refresh its ttl) if the key currently equals expect.
const setIfEqualScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`

func (c *GoRedisClient) SetIfEqual(ctx context.Context, key, expect, newValue string, ttl time.Duration) (bool, error) {
	res, err := c.rdb.Eval(ctx, setIfEqualScript, []string{key}, expect, newValue, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (c *GoRedisClient) Close() error {
	return c.rdb.Close()
}
