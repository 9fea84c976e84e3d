package records

import (
	"context"
	"reflect"
	"sort"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestPresence(t *testing.T) (*Presence, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewPresence(client, 30*time.Second), client
}

func TestPresence_HeartbeatListLeave(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPresence(t)

	if _, err := p.Heartbeat(ctx, "r1", "alice"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	actors, err := p.Heartbeat(ctx, "r1", "bob")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	sort.Strings(actors)
	if !reflect.DeepEqual(actors, []string{"alice", "bob"}) {
		t.Fatalf("actors = %v", actors)
	}

	if err := p.Leave(ctx, "r1", "alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	actors, _ = p.List(ctx, "r1")
	if !reflect.DeepEqual(actors, []string{"bob"}) {
		t.Fatalf("actors after leave = %v", actors)
	}
}

func TestPresence_ExpiresWithoutHeartbeat(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPresence(t)
	now := time.Now()
	p.now = func() time.Time { return now }

	if _, err := p.Heartbeat(ctx, "r1", "alice"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	now = now.Add(31 * time.Second)
	actors, err := p.List(ctx, "r1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(actors) != 0 {
		t.Fatalf("expected expired presence, got %v", actors)
	}
}

func TestPresence_EventsStreamsJoinOnceThenLeave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, _ := newTestPresence(t)

	events, err := p.Events(ctx, "r1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}

	_, _ = p.Heartbeat(ctx, "r1", "alice")
	_, _ = p.Heartbeat(ctx, "r1", "alice")
	_ = p.Leave(ctx, "r1", "alice")

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev.Type+":"+ev.Actor)
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}
	if !reflect.DeepEqual(got, []string{"join:alice", "leave:alice"}) {
		t.Fatalf("events = %v", got)
	}

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("unexpected event after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream not closed after cancel")
	}
}
