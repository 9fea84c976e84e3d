package records

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence event types published on a record's channel.
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// PresenceEvent is published when a collaborator appears or leaves.
type PresenceEvent struct {
	Type     string    `json:"type"`
	RecordID string    `json:"record_id"`
	Actor    string    `json:"actor"`
	At       time.Time `json:"at"`
}

// Presence tracks who is viewing a record. State lives only in redis: a
// sorted set per record whose scores are member expiry times in unix ms.
// It is advisory and never consulted by Controller.Update.
type Presence struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewPresence(client *redis.Client, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Presence{client: client, ttl: ttl, now: time.Now}
}

func (p *Presence) key(recordID string) string {
	return fmt.Sprintf("presence:%s", recordID)
}

// Channel is the pub/sub channel carrying PresenceEvents for a record.
func (p *Presence) Channel(recordID string) string {
	return fmt.Sprintf("presence:%s:events", recordID)
}

// Heartbeat marks actor present for another TTL and returns the current
// collaborators. A join event is published when actor was not present.
func (p *Presence) Heartbeat(ctx context.Context, recordID, actor string) ([]string, error) {
	now := p.now()
	key := p.key(recordID)

	pipe := p.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now.UnixMilli()))
	added := pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Add(p.ttl).UnixMilli()), Member: actor})
	pipe.PExpire(ctx, key, 2*p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	if added.Val() > 0 {
		p.publish(ctx, PresenceEvent{Type: PresenceJoin, RecordID: recordID, Actor: actor, At: now})
	}
	return p.List(ctx, recordID)
}

// Leave removes actor and publishes a leave event if it was present.
func (p *Presence) Leave(ctx context.Context, recordID, actor string) error {
	removed, err := p.client.ZRem(ctx, p.key(recordID), actor).Result()
	if err != nil {
		return err
	}
	if removed > 0 {
		p.publish(ctx, PresenceEvent{Type: PresenceLeave, RecordID: recordID, Actor: actor, At: p.now()})
	}
	return nil
}

// List returns collaborators whose heartbeat has not expired.
func (p *Presence) List(ctx context.Context, recordID string) ([]string, error) {
	actors, err := p.client.ZRangeByScore(ctx, p.key(recordID), &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", p.now().UnixMilli()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if actors == nil {
		actors = []string{}
	}
	return actors, nil
}

// Events streams the record's presence events until ctx is done. The
// channel is closed when the subscription ends.
func (p *Presence) Events(ctx context.Context, recordID string) (<-chan PresenceEvent, error) {
	sub := p.client.Subscribe(ctx, p.Channel(recordID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}
	out := make(chan PresenceEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev PresenceEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *Presence) publish(ctx context.Context, ev PresenceEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = p.client.Publish(ctx, p.Channel(ev.RecordID), b).Err()
}
