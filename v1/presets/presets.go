// Package presets wires lock managers to the supported event buses.
package presets

import (
	"io"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-notelock/v1/lock"
	"github.com/mirkobrombin/go-notelock/v1/syncbus"
)

const (
	breakerThreshold = 5
	breakerTimeout   = 10 * time.Second
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient returns a client for opts.
func NewRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// guarded puts a circuit breaker in front of remote buses so an unreachable
// broker does not add latency to every lock operation.
func guarded(bus syncbus.Bus) syncbus.Bus {
	return syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerTimeout)
}

// InMemory returns a standalone manager with a local bus. Useful for a single
// process or for tests.
func InMemory(opts ...lock.Option) *lock.Manager {
	return lock.NewManager(append([]lock.Option{lock.WithBus(syncbus.NewInMemoryBus())}, opts...)...)
}

// NATS returns a manager that mirrors its lock events on NATS.
func NATS(conn *nats.Conn, opts ...lock.Option) *lock.Manager {
	bus := guarded(syncbus.NewNATSBus(conn))
	return lock.NewManager(append([]lock.Option{lock.WithBus(bus)}, opts...)...)
}

// Redis returns a manager that mirrors its lock events on Redis pub/sub.
// Locks stay local to the process; use RedisLocker to share them.
func Redis(client *redis.Client, opts ...lock.Option) *lock.Manager {
	bus := guarded(syncbus.NewRedisBus(client))
	return lock.NewManager(append([]lock.Option{lock.WithBus(bus)}, opts...)...)
}

// RedisLocker returns a locker whose locks live in Redis and are therefore
// shared by every process using the same server. Unlock events travel over
// Redis pub/sub so waiters in other processes wake up promptly.
func RedisLocker(client *redis.Client, opts ...lock.RedisOption) *lock.Redis {
	bus := syncbus.NewRedisBus(client)
	return lock.NewRedis(client, append([]lock.RedisOption{lock.WithRedisBus(bus)}, opts...)...)
}

// Kafka returns a manager that mirrors its lock events on Kafka. The returned
// closer releases the Kafka clients.
func Kafka(brokers []string, cfg *sarama.Config, opts ...lock.Option) (*lock.Manager, io.Closer, error) {
	bus, err := syncbus.NewKafkaBus(brokers, cfg)
	if err != nil {
		return nil, nil, err
	}
	return lock.NewManager(append([]lock.Option{lock.WithBus(guarded(bus))}, opts...)...), bus, nil
}

// KafkaFromClients is like Kafka but reuses an existing producer and consumer.
func KafkaFromClients(producer sarama.SyncProducer, consumer sarama.Consumer, opts ...lock.Option) (*lock.Manager, io.Closer) {
	bus := syncbus.NewKafkaBusFromClients(producer, consumer)
	return lock.NewManager(append([]lock.Option{lock.WithBus(guarded(bus))}, opts...)...), bus
}
