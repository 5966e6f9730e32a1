package kademlia

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCrawler records every refresh/republish invocation it receives.
type fakeCrawler struct {
	mu          sync.Mutex
	crawled     []Identifier
	republished []string
}

func (c *fakeCrawler) CrawlForNode(ctx context.Context, target Identifier) []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.crawled = append(c.crawled, target)
	return nil
}

func (c *fakeCrawler) RepublishKey(ctx context.Context, key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.republished = append(c.republished, key)
}

func (c *fakeCrawler) snapshot() (crawled []Identifier, republished []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Identifier(nil), c.crawled...), append([]string(nil), c.republished...)
}

func TestMaintainerStartStopLifecycle(t *testing.T) {
	self := NewIdentifier([]byte("self"))
	rt := NewRoutingTable(self, 20, nil)
	store := NewStorage(time.Hour)
	crawler := &fakeCrawler{}

	m := NewMaintainer(rt, store, crawler, &MaintenanceConfig{
		RefreshInterval: time.Hour,
		LonelyAge:       time.Hour,
		RepublishAge:    time.Hour,
	})

	m.Start()
	m.Start() // second Start before Stop must be a no-op, not a double goroutine
	m.Stop()
	// Stop must be safe to call again without blocking forever.
	m.Stop()
}

func TestMaintainerRunRefreshCrawlsLonelyBucketsAndRepublishesStale(t *testing.T) {
	self := NewIdentifier([]byte("self"))
	tp := &fakeTimeProvider{now: time.Unix(0, 0)}
	rt := NewRoutingTableWithTimeProvider(self, 20, nil, tp)
	store := NewStorageWithTimeProvider(time.Hour, tp)
	store.Set("stale-key", []byte("v"))

	crawler := &fakeCrawler{}
	m := NewMaintainer(rt, store, crawler, &MaintenanceConfig{
		RefreshInterval: time.Hour,
		LonelyAge:       30 * time.Minute,
		RepublishAge:    30 * time.Minute,
	})

	tp.now = time.Unix(int64((45 * time.Minute).Seconds()), 0)
	m.runRefresh()

	crawled, republished := crawler.snapshot()
	assert.Len(t, crawled, 1, "the single root bucket is lonely and must be refreshed")
	assert.Equal(t, []string{"stale-key"}, republished)
}

func TestMaintainerStartFiresOnShortInterval(t *testing.T) {
	self := NewIdentifier([]byte("self"))
	rt := NewRoutingTable(self, 20, nil)
	store := NewStorage(time.Hour)
	crawler := &fakeCrawler{}

	m := NewMaintainer(rt, store, crawler, &MaintenanceConfig{
		RefreshInterval: 20 * time.Millisecond,
		LonelyAge:       0,
		RepublishAge:    time.Hour,
	})

	m.Start()
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		crawled, _ := crawler.snapshot()
		if len(crawled) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "refresh ticker never fired within deadline")
}
