// This file implements Maintainer: the hourly refresh loop that crawls
// lonely buckets and republishes aging stored values, using the same
// ticker-plus-context-cancellation shape used throughout this codebase
// for background workers.
package kademlia

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MaintenanceConfig controls the refresh loop's cadence.
type MaintenanceConfig struct {
	RefreshInterval time.Duration
	LonelyAge       time.Duration
	RepublishAge    time.Duration
}

// DefaultMaintenanceConfig matches spec.md's hourly cadence.
func DefaultMaintenanceConfig() *MaintenanceConfig {
	return &MaintenanceConfig{
		RefreshInterval: 1 * time.Hour,
		LonelyAge:       1 * time.Hour,
		RepublishAge:    1 * time.Hour,
	}
}

// Crawler is the subset of server behavior Maintainer needs to run
// refresh crawls and republish values, kept as an interface so
// maintenance tests can substitute a fake.
type Crawler interface {
	CrawlForNode(ctx context.Context, target Identifier) []*Node
	RepublishKey(ctx context.Context, key string, value []byte)
}

// Maintainer runs the periodic refresh pass described in spec.md §4.7:
// for every lonely bucket, crawl a random id in its range; then
// republish every value older than RepublishAge.
type Maintainer struct {
	rt      *RoutingTable
	store   *Storage
	crawler Crawler
	config  *MaintenanceConfig

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewMaintainer constructs a Maintainer. config may be nil to use
// DefaultMaintenanceConfig.
func NewMaintainer(rt *RoutingTable, store *Storage, crawler Crawler, config *MaintenanceConfig) *Maintainer {
	if config == nil {
		config = DefaultMaintenanceConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Maintainer{
		rt:      rt,
		store:   store,
		crawler: crawler,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins the refresh routine in the background. Calling Start
// twice without an intervening Stop is a no-op.
func (m *Maintainer) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isRunning {
		return
	}
	m.isRunning = true
	m.wg.Add(1)
	go m.refreshRoutine()
}

// Stop halts the refresh routine and waits for it to exit.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Maintainer) refreshRoutine() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runRefresh()
		}
	}
}

func (m *Maintainer) runRefresh() {
	refreshIDs := m.rt.GetRefreshIDs(m.config.LonelyAge)
	for _, id := range refreshIDs {
		found := m.crawler.CrawlForNode(m.ctx, id)
		logrus.WithFields(logrus.Fields{
			"function": "runRefresh",
			"target":   id.String(),
			"found":    len(found),
		}).Debug("refreshed lonely bucket")
	}

	for _, key := range m.store.ItemsOlderThan(m.config.RepublishAge) {
		value, ok := m.store.Get(key)
		if !ok {
			continue
		}
		m.crawler.RepublishKey(m.ctx, key, value)
	}
}
