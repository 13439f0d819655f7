package store

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

const defaultRedisPrefix = "multilogue:doc:"

// RedisBackend stores every document in a hash holding its value, revision and
// update time. Conditional writes use WATCH/MULTI so they hold across
// processes sharing the same Redis.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

var _ Backend = (*RedisBackend)(nil)

type RedisBackendOption func(*RedisBackend)

func WithRedisPrefix(prefix string) RedisBackendOption {
	return func(r *RedisBackend) {
		r.prefix = prefix
	}
}

func NewRedisBackend(client *redis.Client, options ...RedisBackendOption) *RedisBackend {
	ret := &RedisBackend{
		client: client,
		prefix: defaultRedisPrefix,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (r *RedisBackend) redisKey(key Key) string {
	return r.prefix + string(key)
}

func (r *RedisBackend) Get(_ context.Context, key Key) (Document, bool, error) {
	fields, err := r.client.HGetAll(r.redisKey(key)).Result()
	if err != nil {
		return Document{}, false, errors.Wrapf(err, "redis backend: get %s", key)
	}
	return documentFromHash(key, fields)
}

func documentFromHash(key Key, fields map[string]string) (Document, bool, error) {
	if len(fields) == 0 {
		return Document{}, false, nil
	}
	revision, err := strconv.ParseUint(fields["revision"], 10, 64)
	if err != nil {
		return Document{}, false, errors.Wrapf(err, "redis backend: bad revision for %s", key)
	}
	updatedAtMs, _ := strconv.ParseInt(fields["updated_at_ms"], 10, 64)
	return Document{
		Key:       key,
		Value:     fields["value"],
		Revision:  revision,
		UpdatedAt: time.UnixMilli(updatedAtMs).UTC(),
	}, true, nil
}

func (r *RedisBackend) Put(_ context.Context, key Key, value string, expectedRevision uint64) (Document, error) {
	rk := r.redisKey(key)
	var doc Document

	err := r.client.Watch(func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(rk).Result()
		if err != nil {
			return err
		}
		current, _, err := documentFromHash(key, fields)
		if err != nil {
			return err
		}
		doc, err = nextDocument(key, value, current.Revision, expectedRevision, time.Now().UTC())
		if err != nil {
			return err
		}
		_, err = tx.Pipelined(func(pipe redis.Pipeliner) error {
			pipe.HMSet(rk, map[string]interface{}{
				"value":         doc.Value,
				"revision":      strconv.FormatUint(doc.Revision, 10),
				"updated_at_ms": strconv.FormatInt(doc.UpdatedAt.UnixMilli(), 10),
			})
			return nil
		})
		return err
	}, rk)

	if err == redis.TxFailedErr {
		// another writer got in between WATCH and EXEC
		current, _, getErr := r.Get(context.Background(), key)
		if getErr != nil {
			return Document{}, getErr
		}
		return Document{}, &VersionConflictError{Key: key, Expected: expectedRevision, Actual: current.Revision}
	}
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return Document{}, err
		}
		return Document{}, errors.Wrapf(err, "redis backend: put %s", key)
	}
	return doc, nil
}

// Close closes the underlying client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
