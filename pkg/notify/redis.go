package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"lenrd/pkg/job"
	"lenrd/pkg/metrics"
	"lenrd/pkg/resilience"
)

const DefaultChannel = "lenrd:jobs"

// Publisher is the part of the redis client used for publishing.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisherConfig holds Redis connection configuration
type RedisPublisherConfig struct {
	Addr           string
	Password       string
	DB             int
	Channel        string
	PoolSize       int
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	PublishTimeout time.Duration
	QueueSize      int
	Tracing        bool
}

// DefaultRedisPublisherConfig returns defaults for addr.
func DefaultRedisPublisherConfig(addr string) RedisPublisherConfig {
	return RedisPublisherConfig{
		Addr:           addr,
		Channel:        DefaultChannel,
		PoolSize:       10,
		DialTimeout:    5 * time.Second,
		WriteTimeout:   3 * time.Second,
		PublishTimeout: 2 * time.Second,
		QueueSize:      1024,
	}
}

// RedisPublisher publishes job events as JSON on a redis channel. Events are
// queued and sent in order by a single worker; publishing is best effort and
// guarded by a circuit breaker.
type RedisPublisher struct {
	client  Publisher
	closer  func() error
	channel string
	timeout time.Duration
	breaker *resilience.CircuitBreaker
	log     *zap.Logger

	queue chan Message
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewRedisPublisher connects to redis and starts the publishing worker.
func NewRedisPublisher(cfg RedisPublisherConfig, log *zap.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if cfg.Tracing {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to instrument redis: %w", err)
		}
	}

	// Ping to verify connection with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	p := NewRedisPublisherWithClient(client, cfg, log)
	p.closer = client.Close
	return p, nil
}

// NewRedisPublisherWithClient starts a publisher on an existing client.
func NewRedisPublisherWithClient(client Publisher, cfg RedisPublisherConfig, log *zap.Logger) *RedisPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.Logger = log

	p := &RedisPublisher{
		client:  client,
		channel: cfg.Channel,
		timeout: cfg.PublishTimeout,
		breaker: resilience.NewCircuitBreaker("redis-publish", breakerCfg),
		log:     log,
		queue:   make(chan Message, cfg.QueueSize),
		stop:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Notify queues the event. It never blocks; a full queue drops the event.
func (p *RedisPublisher) Notify(e job.Event) {
	msg := MessageFor(e)
	select {
	case <-p.stop:
		return
	default:
	}
	select {
	case p.queue <- msg:
	default:
		metrics.NotificationsDropped.WithLabelValues("redis").Inc()
		p.log.Warn("Redis publish queue full, dropping event",
			zap.String("event", msg.Event),
			zap.String("job_id", msg.Job.ID),
		)
	}
}

func (p *RedisPublisher) run() {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.queue:
			p.publish(msg)
		case <-p.stop:
			// flush what is already queued
			for {
				select {
				case msg := <-p.queue:
					p.publish(msg)
				default:
					return
				}
			}
		}
	}
}

func (p *RedisPublisher) publish(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("Failed to encode event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	err = p.breaker.Execute(ctx, func() error {
		return p.client.Publish(ctx, p.channel, payload).Err()
	})
	if err == nil {
		return
	}

	metrics.NotificationsDropped.WithLabelValues("redis").Inc()
	if errors.Is(err, resilience.ErrCircuitOpen) {
		p.log.Debug("Redis circuit open, event not published", zap.String("job_id", msg.Job.ID))
		return
	}
	p.log.Warn("Failed to publish event", zap.String("job_id", msg.Job.ID), zap.Error(err))
}

// Close drains the queue and closes the client when it was opened here.
func (p *RedisPublisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.stop)
		p.wg.Wait()
		if p.closer != nil {
			err = p.closer()
		}
	})
	return err
}
