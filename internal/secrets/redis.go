package secrets

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/chacha20poly1305"
)

// DefaultRedisPrefix namespaces secret keys in a shared Redis.
const DefaultRedisPrefix = "slimchat:secret:"

// Redis keeps secrets in an external Redis instance. When a passphrase is
// given, values are sealed the same way Encrypted seals them.
type Redis struct {
	client *redis.Client
	prefix string
	s      *sealer
}

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// Passphrase and Salt enable client-side sealing. Salt must be stable
	// across restarts for previously sealed values to open.
	Passphrase string
	Salt       string
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	r := &Redis{client: client, prefix: prefix}
	if opts.Passphrase != "" {
		r.s = newSealer(opts.Passphrase, []byte(prefix+opts.Salt))
	}
	return r, nil
}

// Close releases the connection pool.
func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Get(ctx context.Context, ref string) (string, error) {
	v, err := r.client.Get(ctx, r.prefix+ref).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if r.s == nil {
		return string(v), nil
	}
	nonceLen := chacha20poly1305.NonceSizeX
	if len(v) < nonceLen {
		return "", errors.New("sealed secret too short")
	}
	pt, err := r.s.open(v[:nonceLen], v[nonceLen:], ref)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func (r *Redis) Save(ctx context.Context, secret, ref string) (string, error) {
	ref = newRef(ref)
	v := []byte(secret)
	if r.s != nil {
		nonce, ct, err := r.s.seal(v, ref)
		if err != nil {
			return "", err
		}
		v = append(nonce, ct...)
	}
	if err := r.client.Set(ctx, r.prefix+ref, v, 0).Err(); err != nil {
		return "", err
	}
	return ref, nil
}

func (r *Redis) Delete(ctx context.Context, ref string) error {
	return r.client.Del(ctx, r.prefix+ref).Err()
}

func (r *Redis) List(ctx context.Context) ([]string, error) {
	var refs []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		refs = append(refs, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(refs)
	return refs, nil
}
