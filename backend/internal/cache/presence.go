package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceCache interface {
	AddMember(ctx context.Context, docID string, userID string, username string, color string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID string, userID string) error
	GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, docID string, userID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, docID string, userID string) ([]byte, error)
}

type PresenceMember struct {
	UserID   string
	Username string
	Color    string
	// 心跳过期时间，超过后成员被清理
	ExpireAt time.Time
}

// 具体实现：基于 redis 的 PresenceCache。UniversalClient 同时兼容单机和集群。
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// 清理过期成员
// KEYS[1] = roomKey, KEYS[2] = namesKey, KEYS[3] = colorsKey, ARGV[1] = now (unix seconds)
var expireScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
	redis.call("HDEL", KEYS[3], unpack(expired))
end
return #expired
`)

func (p *redisPresence) AddMember(ctx context.Context, docID string, userID string, username string, color string, ttl time.Duration) error {
	// 刷新TTL也直接调用AddMember即可
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(docID), userID, username)
	tx.HSet(ctx, colorsKey(docID), userID, color)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID string, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, namesKey(docID), userID)
	tx.HDel(ctx, colorsKey(docID), userID)
	tx.Del(ctx, cursorKey(docID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) SetCursor(ctx context.Context, docID string, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, docID string, userID string) ([]byte, error) {
	cursor, err := p.rdb.Get(ctx, cursorKey(docID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return cursor, err
}

func (p *redisPresence) GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error) {
	// step1: 清理过期成员；约定 score=expireAt，expireAt <= now 视为过期
	now := time.Now().Unix()
	keys := []string{roomKey(docID), namesKey(docID), colorsKey(docID)}
	if err := expireScript.Run(ctx, p.rdb, keys, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员
	alive, err := p.rdb.ZRangeByScoreWithScores(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(alive))
	for _, z := range alive {
		id, _ := z.Member.(string)
		ids = append(ids, id)
	}

	// step3: 批量获取名字和颜色
	names, err := p.rdb.HMGet(ctx, namesKey(docID), ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	colors, err := p.rdb.HMGet(ctx, colorsKey(docID), ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(ids))
	for i, id := range ids {
		m := PresenceMember{UserID: id, ExpireAt: time.Unix(int64(alive[i].Score), 0)}
		if i < len(names) {
			m.Username, _ = names[i].(string)
		}
		if i < len(colors) {
			m.Color, _ = colors[i].(string)
		}
		members = append(members, m)
	}
	return members, nil
}
