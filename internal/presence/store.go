// Package presence keeps advisory online state for users. Owners announce their own
// state; everyone else polls it.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"agrolink/internal/models"
	"agrolink/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix  = "presence:user:"
	defaultOnlineSet  = "presence:online"
	defaultRecordTTL  = 24 * time.Hour
	defaultStaleAfter = 10 * time.Second
)

// StoreConfig controls key naming and freshness.
type StoreConfig struct {
	KeyPrefix    string
	OnlineSetKey string
	RecordTTL    time.Duration
	// StaleAfter is how long an online announcement stays believable.
	StaleAfter time.Duration
}

// Store mirrors presence in Redis. Each user has a hash holding the last announced
// state and its time, and online users are also members of a set.
type Store struct {
	rdb *redis.Client

	keyPrefix  string
	onlineSet  string
	recordTTL  time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

// NewStore creates a Store over the given Redis client.
func NewStore(rdb *redis.Client, cfg StoreConfig) *Store {
	s := &Store{
		rdb:        rdb,
		keyPrefix:  defaultKeyPrefix,
		onlineSet:  defaultOnlineSet,
		recordTTL:  defaultRecordTTL,
		staleAfter: defaultStaleAfter,
		now:        time.Now,
	}
	if cfg.KeyPrefix != "" {
		s.keyPrefix = cfg.KeyPrefix
	}
	if cfg.OnlineSetKey != "" {
		s.onlineSet = cfg.OnlineSetKey
	}
	if cfg.RecordTTL > 0 {
		s.recordTTL = cfg.RecordTTL
	}
	if cfg.StaleAfter > 0 {
		s.staleAfter = cfg.StaleAfter
	}
	return s
}

func (s *Store) key(userID uint) string {
	return s.keyPrefix + strconv.FormatUint(uint64(userID), 10)
}

// Announce records the user's own state as of at.
func (s *Store) Announce(ctx context.Context, userID uint, online bool, at time.Time) error {
	uid := strconv.FormatUint(uint64(userID), 10)
	state := "0"
	if online {
		state = "1"
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.key(userID), "online", state, "last_seen", at.UnixMilli())
	pipe.Expire(ctx, s.key(userID), s.recordTTL)
	if online {
		pipe.SAdd(ctx, s.onlineSet, uid)
	} else {
		pipe.SRem(ctx, s.onlineSet, uid)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("announce presence for user %d: %w", userID, err)
	}

	observability.PresenceAnnouncements.WithLabelValues(state).Inc()
	return nil
}

// Get returns the user's presence. A user who never announced is offline with a zero LastSeen.
func (s *Store) Get(ctx context.Context, userID uint) (models.Presence, error) {
	all, err := s.GetMany(ctx, []uint{userID})
	if err != nil {
		return models.Presence{}, err
	}
	return all[userID], nil
}

// GetMany returns presence for every id in one round trip.
func (s *Store) GetMany(ctx context.Context, userIDs []uint) (map[uint]models.Presence, error) {
	out := make(map[uint]models.Presence, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make(map[uint]*redis.MapStringStringCmd, len(userIDs))
	for _, id := range userIDs {
		cmds[id] = pipe.HGetAll(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read presence: %w", err)
	}

	now := s.now()
	for id, cmd := range cmds {
		out[id] = s.decode(id, cmd.Val(), now)
	}
	return out, nil
}

func (s *Store) decode(userID uint, fields map[string]string, now time.Time) models.Presence {
	p := models.Presence{UserID: userID}
	if ms, err := strconv.ParseInt(fields["last_seen"], 10, 64); err == nil {
		p.LastSeen = time.UnixMilli(ms).UTC()
	}
	p.IsOnline = fields["online"] == "1" && !p.LastSeen.IsZero() && now.Sub(p.LastSeen) <= s.staleAfter
	return p
}

// OnlineUsers lists users whose online announcement is still fresh.
func (s *Store) OnlineUsers(ctx context.Context) ([]uint, error) {
	members, err := s.rdb.SMembers(ctx, s.onlineSet).Result()
	if err != nil {
		return nil, fmt.Errorf("read online set: %w", err)
	}

	ids := make([]uint, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, uint(id))
	}

	all, err := s.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	online := ids[:0]
	for _, id := range ids {
		if all[id].IsOnline {
			online = append(online, id)
		}
	}
	return online, nil
}
