// Package storage opens the backing stores and adapts them to clue health
// checks.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"goa.design/clue/health"
)

const connectTimeout = 10 * time.Second

// ConnectMongo opens a Mongo client and verifies the deployment answers. The
// caller owns the returned client and disconnects it on shutdown.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return client, nil
}

// ConnectRedis opens a Redis client and verifies the server answers. The
// caller owns the returned client and closes it on shutdown.
func ConnectRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// MongoPinger adapts a Mongo client to the health checker.
func MongoPinger(client *mongo.Client) health.Pinger {
	return mongoPinger{client: client}
}

type mongoPinger struct {
	client *mongo.Client
}

func (p mongoPinger) Name() string { return "mongodb" }

func (p mongoPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx, readpref.Primary())
}

// RedisPinger adapts a Redis client to the health checker.
func RedisPinger(client *redis.Client) health.Pinger {
	return redisPinger{client: client}
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
