package core

import (
	"context"
	"encoding/json"
)

// QueueMetrics reports outbox backlog depth; the dispatch queue's own depth
// is not included.
type QueueMetrics struct {
	OutboxPending    int64 `json:"outbox_pending"`
	OutboxProcessing int64 `json:"outbox_processing"`
	OutboxFailed     int64 `json:"outbox_failed"`
}

// OutboxBacklog is the narrow view MetricsService needs into the outbox
// table, implemented by internal/outbox without this package depending on
// its pgx-shaped Store directly.
type OutboxBacklog interface {
	Backlog(ctx context.Context) (pending, processing, failed int64, err error)
}

// MetricsService reports outbox backlog depth and worker heartbeats.
type MetricsService struct {
	redis  RedisClientRaw
	outbox OutboxBacklog
}

func NewMetricsService(redis RedisClientRaw, outbox OutboxBacklog) *MetricsService {
	return &MetricsService{redis: redis, outbox: outbox}
}

// Overview returns backlog depth and all worker heartbeats in one call.
func (s *MetricsService) Overview(ctx context.Context) (QueueMetrics, []WorkerHeartbeat, error) {
	queue, err := s.Queue(ctx)
	if err != nil {
		return QueueMetrics{}, nil, err
	}
	workers, err := s.Workers(ctx)
	if err != nil {
		return queue, nil, err
	}
	return queue, workers, nil
}

// Queue reports outbox backlog depth across pending/processing/failed rows.
func (s *MetricsService) Queue(ctx context.Context) (QueueMetrics, error) {
	pending, processing, failed, err := s.outbox.Backlog(ctx)
	if err != nil {
		return QueueMetrics{}, err
	}
	return QueueMetrics{OutboxPending: pending, OutboxProcessing: processing, OutboxFailed: failed}, nil
}

// Workers returns every worker heartbeat still live in Redis.
func (s *MetricsService) Workers(ctx context.Context) ([]WorkerHeartbeat, error) {
	iter := s.redis.Scan(ctx, 0, WorkerHeartbeatPrefix+"*", 100).Iterator()
	var res []WorkerHeartbeat
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := s.redis.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		var hb WorkerHeartbeat
		if err := json.Unmarshal([]byte(val), &hb); err != nil {
			continue
		}
		res = append(res, hb)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// WorkerByID returns one worker's heartbeat, if still live.
func (s *MetricsService) WorkerByID(ctx context.Context, id string) (*WorkerHeartbeat, error) {
	val, err := s.redis.Get(ctx, WorkerHeartbeatKey(id)).Result()
	if err != nil {
		return nil, err
	}
	var hb WorkerHeartbeat
	if err := json.Unmarshal([]byte(val), &hb); err != nil {
		return nil, err
	}
	return &hb, nil
}
