package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/udpmask/internal/obs"
	"github.com/matst80/udpmask/internal/proto"
	"github.com/redis/go-redis/v9"
)

const (
	eventsChannel = "udpmask:events"
	redisKeyTTL   = 24 * time.Hour
)

func instanceKey(id string) string   { return "udpmask:instance:" + id }
func flowKey(id, peer string) string { return "udpmask:flow:" + id + ":" + peer }

// redisWriter keeps one hash per open flow and publishes every event on
// eventsChannel. flows is only touched by the queue goroutine.
type redisWriter struct {
	client *redis.Client
	id     string
	flows  map[string]struct{}
}

// NewRedis connects to Redis and registers inst. An empty inst.ID gets a
// random one.
func NewRedis(addr, password string, db int, inst proto.Instance) (*Queue, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	data, err := json.Marshal(inst)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("marshal instance: %w", err)
	}
	if err := rdb.Set(ctx, instanceKey(inst.ID), data, redisKeyTTL).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis set failed: %w", err)
	}
	obs.Info("journal.redis", obs.Fields{"addr": addr, "instance": inst.ID})
	w := &redisWriter{client: rdb, id: inst.ID, flows: make(map[string]struct{})}
	return newQueue(inst.ID, w, queueSize, refreshInterval), nil
}

func (w *redisWriter) write(ctx context.Context, ev proto.FlowEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal flow event: %w", err)
	}
	key := flowKey(w.id, ev.Peer)
	pipe := w.client.TxPipeline()
	switch ev.Type {
	case proto.FlowOpen:
		pipe.HSet(ctx, key, "peer", ev.Peer, "mode", ev.Mode, "upstream", ev.Upstream, "opened", ev.At.Format(time.RFC3339Nano))
		pipe.Expire(ctx, key, redisKeyTTL)
		w.flows[key] = struct{}{}
	case proto.FlowClose:
		pipe.Del(ctx, key)
		delete(w.flows, key)
	}
	pipe.Publish(ctx, eventsChannel, b)
	_, err = pipe.Exec(ctx)
	return err
}

// refresh resets the TTL of the instance record and of every open flow, so
// keys only expire once the process stops refreshing them.
func (w *redisWriter) refresh(ctx context.Context) error {
	pipe := w.client.Pipeline()
	pipe.Expire(ctx, instanceKey(w.id), redisKeyTTL)
	for k := range w.flows {
		pipe.Expire(ctx, k, redisKeyTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// close removes the instance record and any flow keys still held.
func (w *redisWriter) close(ctx context.Context) error {
	keys := make([]string, 0, len(w.flows)+1)
	keys = append(keys, instanceKey(w.id))
	for k := range w.flows {
		keys = append(keys, k)
	}
	err := w.client.Del(ctx, keys...).Err()
	if cerr := w.client.Close(); err == nil {
		err = cerr
	}
	return err
}
