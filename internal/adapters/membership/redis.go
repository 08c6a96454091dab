package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/carlcord/voice/internal/core"
	"github.com/carlcord/voice/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisStore keeps one hash per channel (user id -> record JSON) and a
// user index hash (user id -> channel id).
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "carlcord:voice"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) channelKey(ch domain.ChannelID) string { return s.prefix + ":channel:" + string(ch) }
func (s *RedisStore) userKey() string                       { return s.prefix + ":users" }

func (s *RedisStore) List(ctx context.Context, ch domain.ChannelID) ([]domain.MemberRecord, error) {
	raw, err := s.client.HGetAll(ctx, s.channelKey(ch)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", ch, err)
	}
	out := make([]domain.MemberRecord, 0, len(raw))
	for uid, data := range raw {
		var rec domain.MemberRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			log.Warn().Err(err).Str("module", "membership.redis").Str("channel", string(ch)).Str("user", uid).Msg("skipping corrupt record")
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (s *RedisStore) Upsert(ctx context.Context, rec domain.MemberRecord) error {
	uid := string(rec.UserID)
	prev, err := s.client.HGet(ctx, s.userKey(), uid).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lookup %s: %w", uid, err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	pipe := s.client.TxPipeline()
	if prev != "" && prev != string(rec.ChannelID) {
		pipe.HDel(ctx, s.channelKey(domain.ChannelID(prev)), uid)
	}
	pipe.HSet(ctx, s.channelKey(rec.ChannelID), uid, string(data))
	pipe.HSet(ctx, s.userKey(), uid, string(rec.ChannelID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert %s: %w", uid, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, ch domain.ChannelID, user domain.UserID) error {
	uid := string(user)
	cur, err := s.client.HGet(ctx, s.userKey(), uid).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lookup %s: %w", uid, err)
	}

	pipe := s.client.TxPipeline()
	removed := pipe.HDel(ctx, s.channelKey(ch), uid)
	if cur == string(ch) {
		pipe.HDel(ctx, s.userKey(), uid)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove %s: %w", uid, err)
	}
	if removed.Val() == 0 {
		return core.ErrMemberNotFound
	}
	return nil
}
