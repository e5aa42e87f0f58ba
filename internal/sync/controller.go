// Package sync keeps directory-bound profiles in step with the directory
// between logins.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devplatform/wiki-auth/internal/config"
	"github.com/devplatform/wiki-auth/internal/ldap"
	"github.com/devplatform/wiki-auth/internal/models"
	"github.com/devplatform/wiki-auth/internal/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// Prometheus metrics for the refresh controller
var (
	syncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wikiauth_sync_total",
			Help: "Total number of profile refresh operations",
		},
		[]string{"type", "status"},
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wikiauth_sync_duration_seconds",
			Help:    "Duration of profile refresh operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	syncLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wikiauth_sync_last_success",
			Help: "Unix timestamp of last successful full refresh",
		},
	)

	retryQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wikiauth_sync_retry_queue_size",
			Help: "Current number of profiles in the retry queue",
		},
	)
)

const (
	maxRetries    = 5
	retryQueueCap = 100
)

// Fetcher looks up the current directory entry of a uid
type Fetcher interface {
	FetchAttributes(ctx context.Context, uid string) (*models.DirectoryIdentity, error)
}

// Refresher writes directory data into a stored profile
type Refresher interface {
	RefreshProfile(ctx context.Context, wiki, fullName string, identity *models.DirectoryIdentity) (bool, error)
}

// retryItem is a profile whose refresh failed and will be tried again
type retryItem struct {
	Wiki      string    `json:"wiki"`
	FullName  string    `json:"full_name"`
	UID       string    `json:"uid"`
	Attempts  int       `json:"attempts"`
	NextRetry time.Time `json:"next_retry"`
}

func (i retryItem) key() string {
	return i.Wiki + ":" + i.FullName
}

// persistedState is the controller state saved to disk for crash recovery
type persistedState struct {
	RetryItems         []retryItem `json:"retry_items"`
	LastRefreshSuccess time.Time   `json:"last_refresh_success"`
}

// Result summarises one full refresh
type Result struct {
	Checked int
	Updated int
	Missing int
	Failed  int
}

// backoffDuration returns the backoff duration for the given attempt number
func backoffDuration(attempt int) time.Duration {
	durations := []time.Duration{
		5 * time.Second,
		15 * time.Second,
		45 * time.Second,
		2 * time.Minute,
		5 * time.Minute,
	}
	if attempt >= len(durations) {
		return durations[len(durations)-1]
	}
	return durations[attempt]
}

// Controller periodically refreshes every directory-bound profile
type Controller struct {
	directory Fetcher
	refresher Refresher
	store     profile.Store
	cfg       *config.Config
	logger    *logrus.Logger

	retryMu            sync.Mutex
	retryItems         []retryItem
	lastRefreshSuccess time.Time
	dataDir            string

	initialDelay  time.Duration
	retryInterval time.Duration
	now           func() time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewController creates a new refresh controller
func NewController(directory Fetcher, refresher Refresher, store profile.Store, cfg *config.Config, logger *logrus.Logger) *Controller {
	return &Controller{
		directory:     directory,
		refresher:     refresher,
		store:         store,
		cfg:           cfg,
		logger:        logger,
		retryItems:    make([]retryItem, 0),
		dataDir:       cfg.DataDir,
		initialDelay:  30 * time.Second,
		retryInterval: 5 * time.Second,
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
}

// stateFilePath returns the path to the persisted state file
func (c *Controller) stateFilePath() string {
	return filepath.Join(c.dataDir, "state.json")
}

// loadState restores controller state from disk after a restart
func (c *Controller) loadState() {
	path := c.stateFilePath()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Info("No persisted state found, starting fresh")
			return
		}
		c.logger.WithError(err).Warn("Failed to read persisted state")
		return
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		c.logger.WithError(err).Warn("Failed to parse persisted state, starting fresh")
		return
	}

	c.retryMu.Lock()
	c.retryItems = state.RetryItems
	if c.retryItems == nil {
		c.retryItems = make([]retryItem, 0)
	}
	c.lastRefreshSuccess = state.LastRefreshSuccess
	retryQueueSize.Set(float64(len(c.retryItems)))
	c.retryMu.Unlock()

	if !state.LastRefreshSuccess.IsZero() {
		syncLastSuccess.Set(float64(state.LastRefreshSuccess.Unix()))
	}

	c.logger.WithFields(logrus.Fields{
		"retry_items":  len(state.RetryItems),
		"last_refresh": state.LastRefreshSuccess.Format(time.RFC3339),
	}).Info("Restored persisted state")
}

// saveState persists controller state to disk, replacing the file atomically
func (c *Controller) saveState() {
	c.retryMu.Lock()
	state := persistedState{
		RetryItems:         make([]retryItem, len(c.retryItems)),
		LastRefreshSuccess: c.lastRefreshSuccess,
	}
	copy(state.RetryItems, c.retryItems)
	c.retryMu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal state")
		return
	}

	path := c.stateFilePath()

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		c.logger.WithError(err).Error("Failed to create state directory")
		return
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0640); err != nil {
		c.logger.WithError(err).Error("Failed to write state file")
		return
	}

	if err := os.Rename(tmpPath, path); err != nil {
		c.logger.WithError(err).Error("Failed to rename state file")
		return
	}

	c.logger.Debug("Persisted controller state")
}

// Start begins the controller's goroutines. Nothing runs unless sync is
// enabled and profiles may be updated from the directory.
func (c *Controller) Start() {
	if !c.cfg.SyncEnabled {
		c.logger.Info("Profile refresh controller is disabled")
		return
	}
	if !c.cfg.LDAPUpdateUser {
		c.logger.Warn("Profile refresh enabled but LDAP_UPDATE_USER is off, not starting")
		return
	}

	c.logger.Info("Starting profile refresh controller")
	c.loadState()
	c.started = true

	c.wg.Add(1)
	go c.refreshLoop()

	c.wg.Add(1)
	go c.retryLoop()

	c.logger.WithField("refresh_interval", c.cfg.SyncInterval).Info("Profile refresh controller started")
}

// Stop gracefully stops the controller
func (c *Controller) Stop() {
	if !c.started {
		return
	}
	c.logger.Info("Stopping profile refresh controller")
	close(c.stopCh)
	c.wg.Wait()
	c.saveState()
	c.started = false
	c.logger.Info("Profile refresh controller stopped")
}

// refreshLoop runs a full refresh at the configured interval
func (c *Controller) refreshLoop() {
	defer c.wg.Done()

	// let the directory pool warm up first
	select {
	case <-time.After(c.initialDelay):
	case <-c.stopCh:
		return
	}

	c.runFullRefresh()

	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runFullRefresh()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Controller) runFullRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if _, err := c.RefreshAll(ctx); err != nil {
		c.logger.WithError(err).Error("Full profile refresh failed")
	}
}

// RefreshAll refreshes every directory-bound profile of every wiki. Profiles
// that fail for any reason other than a vanished directory entry are queued
// for retry; only a failure to list profiles is returned.
func (c *Controller) RefreshAll(ctx context.Context) (*Result, error) {
	c.logger.Info("Starting full profile refresh")
	start := time.Now()

	result, err := c.refreshAll(ctx)
	duration := time.Since(start).Seconds()
	syncDuration.WithLabelValues("refresh").Observe(duration)

	if err != nil {
		syncTotal.WithLabelValues("refresh", "error").Inc()
		return nil, err
	}

	syncTotal.WithLabelValues("refresh", "success").Inc()
	now := c.now()
	syncLastSuccess.Set(float64(now.Unix()))

	c.retryMu.Lock()
	c.lastRefreshSuccess = now
	c.retryMu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"checked":    result.Checked,
		"updated":    result.Updated,
		"missing":    result.Missing,
		"failed":     result.Failed,
		"duration_s": fmt.Sprintf("%.2f", duration),
	}).Info("Full profile refresh completed")

	c.saveState()
	return result, nil
}

func (c *Controller) refreshAll(ctx context.Context) (*Result, error) {
	wikis, err := c.store.Wikis(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list wikis: %w", err)
	}

	result := &Result{}
	for _, wiki := range wikis {
		profiles, err := c.store.Search(ctx, wiki, profile.Filter{ClassName: models.LDAPProfileClassName})
		if err != nil {
			return nil, fmt.Errorf("failed to list bound profiles of %s: %w", wiki, err)
		}

		for _, p := range profiles {
			uid := p.LDAPUID()
			if uid == "" {
				continue
			}
			result.Checked++

			item := retryItem{Wiki: wiki, FullName: p.FullName, UID: uid}
			updated, err := c.refreshOne(ctx, item)
			switch {
			case errors.Is(err, ldap.ErrUserNotFound):
				result.Missing++
			case err != nil:
				result.Failed++
				c.enqueueRetry(item)
			case updated:
				result.Updated++
			}
		}
	}
	return result, nil
}

// refreshOne fetches the entry behind a profile and applies it
func (c *Controller) refreshOne(ctx context.Context, item retryItem) (bool, error) {
	fields := logrus.Fields{
		"wiki":      item.Wiki,
		"full_name": item.FullName,
		"uid":       item.UID,
	}

	identity, err := c.directory.FetchAttributes(ctx, item.UID)
	if errors.Is(err, ldap.ErrUserNotFound) {
		// the profile is kept; its owner can no longer log in through the directory
		c.logger.WithFields(fields).Info("Directory entry of bound profile no longer exists")
		return false, err
	}
	if err != nil {
		c.logger.WithError(err).WithFields(fields).Warn("Failed to fetch directory entry")
		return false, err
	}

	updated, err := c.refresher.RefreshProfile(ctx, item.Wiki, item.FullName, identity)
	if err != nil {
		c.logger.WithError(err).WithFields(fields).Warn("Failed to refresh profile")
		return false, err
	}
	if updated {
		c.logger.WithFields(fields).Debug("Profile refreshed from directory")
	}
	return updated, nil
}

// enqueueRetry adds a failed profile refresh to the retry queue
func (c *Controller) enqueueRetry(item retryItem) {
	item.Attempts = 0
	item.NextRetry = c.now().Add(backoffDuration(0))

	c.retryMu.Lock()
	added := c.pushRetryLocked(item)
	c.retryMu.Unlock()
	if !added {
		return
	}

	c.logger.WithFields(logrus.Fields{
		"wiki":      item.Wiki,
		"full_name": item.FullName,
	}).Info("Enqueued profile for retry")
}

// pushRetryLocked appends item unless its profile is already queued, dropping
// the oldest entry when the queue is full. retryMu must be held.
func (c *Controller) pushRetryLocked(item retryItem) bool {
	for _, queued := range c.retryItems {
		if queued.key() == item.key() {
			return false
		}
	}

	if len(c.retryItems) >= retryQueueCap {
		c.logger.Warn("Retry queue is full, dropping oldest item")
		c.retryItems = c.retryItems[1:]
	}
	c.retryItems = append(c.retryItems, item)
	retryQueueSize.Set(float64(len(c.retryItems)))
	return true
}

// retryLoop processes the retry queue
func (c *Controller) retryLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.processRetryQueue()
		case <-c.stopCh:
			return
		}
	}
}

// processRetryQueue retries the items whose backoff has elapsed
func (c *Controller) processRetryQueue() {
	c.retryMu.Lock()
	now := c.now()

	ready := make([]retryItem, 0)
	remaining := make([]retryItem, 0)

	for _, item := range c.retryItems {
		if !now.Before(item.NextRetry) {
			ready = append(ready, item)
		} else {
			remaining = append(remaining, item)
		}
	}

	c.retryItems = remaining
	c.retryMu.Unlock()

	if len(ready) == 0 {
		return
	}

	for _, item := range ready {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

		start := time.Now()
		_, err := c.refreshOne(ctx, item)
		syncDuration.WithLabelValues("retry").Observe(time.Since(start).Seconds())
		cancel()

		if errors.Is(err, ldap.ErrUserNotFound) {
			syncTotal.WithLabelValues("retry", "missing").Inc()
			continue
		}

		if err != nil {
			syncTotal.WithLabelValues("retry", "error").Inc()
			item.Attempts++

			if item.Attempts >= maxRetries {
				c.logger.WithFields(logrus.Fields{
					"full_name": item.FullName,
					"attempts":  item.Attempts,
				}).Error("Max retries reached, dropping item")
				continue
			}

			item.NextRetry = c.now().Add(backoffDuration(item.Attempts))
			c.retryMu.Lock()
			c.pushRetryLocked(item)
			c.retryMu.Unlock()

			c.logger.WithFields(logrus.Fields{
				"full_name":  item.FullName,
				"attempt":    item.Attempts,
				"next_retry": item.NextRetry.Format(time.RFC3339),
			}).Warn("Retry refresh failed, re-enqueued")
			continue
		}

		syncTotal.WithLabelValues("retry", "success").Inc()
		c.logger.WithField("full_name", item.FullName).Info("Retry refresh succeeded")
	}

	c.retryMu.Lock()
	retryQueueSize.Set(float64(len(c.retryItems)))
	c.retryMu.Unlock()
	c.saveState()
}

// pending returns a copy of the retry queue
func (c *Controller) pending() []retryItem {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	out := make([]retryItem, len(c.retryItems))
	copy(out, c.retryItems)
	return out
}
