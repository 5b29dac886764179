package repository

import (
	"fmt"
	"time"

	"github.com/go-redis/redis"

	"github.com/danmuck/rfcctl/internal/rfc"
)

const DefaultRedisPrefix = "rfcctl:descriptor:"

// Redis shares descriptors between clients through a Redis server. Values
// are msgpack-encoded descriptors stored under prefix+FUNCTION.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// DialRedis connects to addr and verifies the server answers PING.
func DialRedis(addr, password string, db int) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := c.Ping().Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("repository: redis %s: %w", addr, err)
	}
	return c, nil
}

func (r *Redis) key(name string) string {
	return r.prefix + rfc.NormalizeName(name)
}

func (r *Redis) Get(name string) (rfc.FunctionDescriptor, error) {
	data, err := r.client.Get(r.key(name)).Bytes()
	if err == redis.Nil {
		return rfc.FunctionDescriptor{}, ErrMiss
	}
	if err != nil {
		return rfc.FunctionDescriptor{}, fmt.Errorf("repository: redis get %s: %w", name, err)
	}
	return rfc.DecodeDescriptor(data)
}

func (r *Redis) Put(desc rfc.FunctionDescriptor) error {
	d := desc.Clone()
	if err := d.Validate(); err != nil {
		return err
	}
	data, err := rfc.EncodeDescriptor(d)
	if err != nil {
		return err
	}
	if err := r.client.Set(r.key(d.Name), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("repository: redis set %s: %w", d.Name, err)
	}
	return nil
}

func (r *Redis) Invalidate(name string) error {
	if err := r.client.Del(r.key(name)).Err(); err != nil {
		return fmt.Errorf("repository: redis del %s: %w", name, err)
	}
	return nil
}
