package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestDedup(t *testing.T) *Deduplicator {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})

	return NewDeduplicator(rdb, time.Minute)
}

func TestDeduplicator_IsDuplicate(t *testing.T) {
	d := newTestDedup(t)
	ctx := context.Background()

	dup, err := d.IsDuplicate(ctx, "fetch_prices:sw0001")
	if err != nil {
		t.Fatalf("first dedup: %v", err)
	}
	if dup {
		t.Fatalf("expected first submission to be non-duplicate")
	}

	dup, err = d.IsDuplicate(ctx, "fetch_prices:sw0001")
	if err != nil {
		t.Fatalf("second dedup: %v", err)
	}
	if !dup {
		t.Fatalf("expected second submission to be duplicate")
	}

	dup, err = d.IsDuplicate(ctx, "fetch_prices:sw0002")
	if err != nil {
		t.Fatalf("other fingerprint: %v", err)
	}
	if dup {
		t.Fatalf("different fingerprint must not collide")
	}
}

func TestDeduplicator_DeleteAllowsResubmit(t *testing.T) {
	d := newTestDedup(t)
	ctx := context.Background()

	if _, err := d.IsDuplicate(ctx, "sync_catalog:star-wars"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.Delete(ctx, "sync_catalog:star-wars"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	dup, err := d.IsDuplicate(ctx, "sync_catalog:star-wars")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if dup {
		t.Fatalf("expected resubmission after delete to pass")
	}
}
