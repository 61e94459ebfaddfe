package archive

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

type redisArchive struct {
	client goredis.UniversalClient
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	rc := cfg.Redis
	if len(rc.Addrs) == 0 {
		return nil, errors.New("redis archive requires at least one address")
	}
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:      rc.Addrs,
		MasterName: rc.MasterName,
		Username:   rc.Username,
		Password:   rc.Password,
		DB:         rc.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	prefix := rc.KeyPrefix
	if prefix == "" {
		prefix = "postpilot"
	}
	return &redisArchive{client: client, prefix: prefix, log: log}, nil
}

func (a *redisArchive) key(p *post.Post) string {
	return "{" + a.prefix + "}:archive:" + string(p.Platform) + ":" + p.ID
}

func (a *redisArchive) Put(ctx context.Context, p *post.Post) error {
	blob, err := encodeArchived(p)
	if err != nil {
		return err
	}
	// NX keeps the first write; a loser learns the record already exists.
	ok, err := a.client.SetNX(ctx, a.key(p), blob, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyArchived
	}
	return nil
}

func (a *redisArchive) Close() error {
	return a.client.Close()
}
