package backend

import (
	"context"
	stdErrors "errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
)

const defaultRedisPrefix = "docsync:obj"

// uploadScript applies the precondition and the write atomically. Each object
// is a hash holding its content, its revision and a sequence counter.
var uploadScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "rev")
if ARGV[1] == "create" then
    if cur then
        return {0, cur}
    end
elseif ARGV[1] == "match" then
    if (not cur) or cur ~= ARGV[2] then
        return {0, cur or ""}
    end
end
local seq = redis.call("HINCRBY", KEYS[1], "seq", 1)
local rev = tostring(seq)
redis.call("HSET", KEYS[1], "content", ARGV[3])
redis.call("HSET", KEYS[1], "rev", rev)
return {1, rev}
`)

// Redis implements Backend on a Redis server.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a Redis backend.
type RedisOption func(*Redis)

// WithRedisPrefix sets the key prefix. The default is "docsync:obj".
func WithRedisPrefix(p string) RedisOption {
	return func(r *Redis) {
		r.prefix = p
	}
}

// NewRedis returns a Redis backend using client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(path string) string {
	return r.prefix + ":" + objectKey("", path)
}

func redisErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return docerrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return docerrors.ErrConnectionClosed
	}
	return err
}

// Download implements Backend.
func (r *Redis) Download(ctx context.Context, path string) (Object, error) {
	vals, err := r.client.HMGet(ctx, r.key(path), "content", "rev").Result()
	if err != nil {
		return Object{}, redisErr(err)
	}
	rev, ok := vals[1].(string)
	if !ok {
		return Object{}, docerrors.ErrNotFound
	}
	content, _ := vals[0].(string)
	return Object{Content: []byte(content), Revision: rev}, nil
}

// Upload implements Backend.
func (r *Redis) Upload(ctx context.Context, path string, content []byte, opts PutOptions) (string, error) {
	mode := "any"
	switch opts.Mode {
	case CreateOnly:
		mode = "create"
	case IfRevision:
		mode = "match"
	}
	res, err := uploadScript.Run(ctx, r.client, []string{r.key(path)}, mode, opts.Revision, content).Slice()
	if err != nil {
		return "", redisErr(err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("docsync: unexpected upload reply %v", res)
	}
	ok, _ := res[0].(int64)
	rev, _ := res[1].(string)
	if ok != 1 {
		return "", &docerrors.ConflictError{Path: path, Expected: opts.Revision, Current: rev}
	}
	return rev, nil
}

// Metadata implements Backend.
func (r *Redis) Metadata(ctx context.Context, path string) (string, error) {
	rev, err := r.client.HGet(ctx, r.key(path), "rev").Result()
	if err == redis.Nil {
		return "", docerrors.ErrNotFound
	}
	if err != nil {
		return "", redisErr(err)
	}
	return rev, nil
}
