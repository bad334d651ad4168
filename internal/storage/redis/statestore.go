package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bobmcallan/felt/internal/common"
	"github.com/bobmcallan/felt/internal/interfaces"
	"github.com/bobmcallan/felt/internal/models"
)

// casScript verifies the stored snapshot's _version and replaces the
// whole value in one atomic step, refreshing the TTL. Returns 1 on
// success, 0 on version mismatch, -1 when no snapshot exists.
const casScript = `
local cur = redis.call('GET', KEYS[1])
if not cur then
    return -1
end
local obj = cjson.decode(cur)
if tonumber(obj['_version']) ~= tonumber(ARGV[1]) then
    return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`

// StateStore implements interfaces.StateStore on Redis. Snapshots are
// stored as JSON under table:{id}; events fan out on pubsub:table:{id}.
type StateStore struct {
	rdb    *redis.Client
	logger *common.Logger
	cas    *redis.Script
}

// NewStateStore creates a new StateStore.
func NewStateStore(rdb *redis.Client, logger *common.Logger) *StateStore {
	return &StateStore{
		rdb:    rdb,
		logger: logger,
		cas:    redis.NewScript(casScript),
	}
}

func (s *StateStore) Load(ctx context.Context, tableID string) (*models.Snapshot, error) {
	data, err := s.rdb.Get(ctx, stateKey(tableID)).Bytes()
	if err == redis.Nil {
		return nil, common.ErrNotFound("table %s has no snapshot", tableID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for %s: %w", tableID, err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for %s: %w", tableID, err)
	}
	return &snap, nil
}

func (s *StateStore) Create(ctx context.Context, snap *models.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, stateKey(snap.TableID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create snapshot for %s: %w", snap.TableID, err)
	}
	if !ok {
		return common.ErrConflict("table %s already has a snapshot", snap.TableID)
	}
	return nil
}

func (s *StateStore) CompareAndSet(ctx context.Context, tableID string, expectedVersion int64, snap *models.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	res, err := s.cas.Run(ctx, s.rdb,
		[]string{stateKey(tableID)},
		expectedVersion, string(data), ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("cas script failed for %s: %w", tableID, err)
	}

	switch res {
	case 1:
		return nil
	case 0:
		return common.ErrConflict("table %s version mismatch at expected %d", tableID, expectedVersion)
	default:
		return common.ErrNotFound("table %s has no snapshot", tableID)
	}
}

func (s *StateStore) Delete(ctx context.Context, tableID string) error {
	if err := s.rdb.Del(ctx, stateKey(tableID)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot for %s: %w", tableID, err)
	}
	return nil
}

func (s *StateStore) Publish(ctx context.Context, tableID string, event models.StateEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode state event: %w", err)
	}
	if err := s.rdb.Publish(ctx, channelKey(tableID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish state event for %s: %w", tableID, err)
	}
	return nil
}

func (s *StateStore) Subscribe(ctx context.Context, pattern string) (interfaces.StateSubscription, error) {
	ps := s.rdb.PSubscribe(ctx, channelKey(pattern))

	// Force the subscription onto the wire before returning.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	sub := &subscription{
		ps:     ps,
		events: make(chan models.StateEvent, 256),
		logger: s.logger,
	}
	go sub.pump()
	return sub, nil
}

// subscription adapts a go-redis PubSub into a StateEvent stream.
type subscription struct {
	ps     *redis.PubSub
	events chan models.StateEvent
	logger *common.Logger
}

func (s *subscription) pump() {
	defer close(s.events)
	for msg := range s.ps.Channel() {
		var ev models.StateEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			s.logger.Warn().Str("channel", msg.Channel).Err(err).Msg("Dropping undecodable state event")
			continue
		}
		if ev.TableID == "" {
			// Fall back to the channel name for older publishers.
			ev.TableID = strings.TrimPrefix(msg.Channel, "pubsub:table:")
		}
		select {
		case s.events <- ev:
		default:
			// Loss is tolerated: subscribers re-read canonical state.
			s.logger.Warn().Str("table_id", ev.TableID).Msg("State event buffer full, dropping")
		}
	}
}

func (s *subscription) Events() <-chan models.StateEvent { return s.events }

func (s *subscription) Close() error { return s.ps.Close() }

// Compile-time check
var _ interfaces.StateStore = (*StateStore)(nil)
