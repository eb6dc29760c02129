package api

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisDeduperAddRemove(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})

	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	added, err := deduper.Add(ctx, "ana", "i-1")
	if err != nil || !added {
		t.Fatalf("first add = %v, %v", added, err)
	}
	expectedKey := "ana:" + dedupeKeyPrefix + ":i-1"
	if !m.Exists(expectedKey) {
		t.Fatalf("expected redis key %q to exist", expectedKey)
	}
	if ttl := m.TTL(expectedKey); ttl != time.Minute {
		t.Fatalf("ttl = %s", ttl)
	}

	added, err = deduper.Add(ctx, "ana", "i-1")
	if err != nil || added {
		t.Fatalf("second add = %v, %v", added, err)
	}
	if added, _ := deduper.Add(ctx, "ben", "i-1"); !added {
		t.Fatal("keys must be namespaced per actor")
	}

	if err := deduper.Remove(ctx, "ana", "i-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if added, _ := deduper.Add(ctx, "ana", "i-1"); !added {
		t.Fatal("removed key should be addable again")
	}
}
