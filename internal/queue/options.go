package queue

import (
	"fmt"
	"time"
)

// Backend names accepted by New.
const (
	BackendMemory      = "memory"
	BackendRedis       = "redis"
	BackendRedisStream = "redis_stream"
	BackendRabbitMQ    = "rabbitmq"
	BackendAsynq       = "asynq"
)

// Options configures a queue backend.
type Options struct {
	Backend     string
	RedisURL    string
	RabbitMQURL string

	BlockTimeout time.Duration // bounded blocking receive; default 2s
	SweepBatch   int           // delayed messages promoted per sweep; default 100
	DebounceTTL  time.Duration // default 24h
	MaxAttempts  int           // 0 = redeliver forever
	Prefetch     int           // rabbitmq/stream read count; default 1

	// StreamGroup and StreamConsumer name the Redis Streams consumer group.
	StreamGroup    string
	StreamConsumer string
	// ClaimIdle is how long a stream entry may sit unacked before another
	// consumer reclaims it.
	ClaimIdle time.Duration

	// PoisonToFinal copies poison/exhausted messages to "<queue>.final" (rabbitmq)
	// or "<queue>:dead" (redis).
	PoisonToFinal bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.BlockTimeout <= 0 {
		out.BlockTimeout = 2 * time.Second
	}
	if out.SweepBatch <= 0 {
		out.SweepBatch = 100
	}
	if out.DebounceTTL <= 0 {
		out.DebounceTTL = DefaultDebounceTTL
	}
	if out.Prefetch <= 0 {
		out.Prefetch = 1
	}
	if out.StreamGroup == "" {
		out.StreamGroup = "deskgate"
	}
	if out.ClaimIdle <= 0 {
		out.ClaimIdle = 5 * time.Minute
	}
	return out
}

// New constructs the backend named by opts.Backend.
func New(opts Options) (Queue, error) {
	o := opts.withDefaults()
	switch o.Backend {
	case "", BackendMemory:
		return NewMemory(o), nil
	case BackendRedis:
		return NewRedis(o)
	case BackendRedisStream:
		return NewRedisStream(o)
	case BackendRabbitMQ:
		return NewRabbitMQ(o)
	case BackendAsynq:
		return NewAsynq(o)
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", o.Backend)
	}
}
