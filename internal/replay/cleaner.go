package replay

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"wormy/broker/internal/logging"
)

// RetentionPolicy defines how many replay bundles are retained on disk.
type RetentionPolicy struct {
	MaxBundles int
	MaxAge     time.Duration
}

// StorageStats summarises the disk footprint of persisted replays.
type StorageStats struct {
	Bundles   int       `json:"bundles"`
	Complete  int       `json:"complete"`
	Bytes     int64     `json:"bytes"`
	LastSweep time.Time `json:"last_sweep"`
}

// Cleaner periodically prunes replay bundles according to a retention policy.
// The bundle currently being written is never removed.
type Cleaner struct {
	mu      sync.RWMutex
	dir     string
	policy  RetentionPolicy
	log     *logging.Logger
	now     func() time.Time
	stats   StorageStats
	protect string
}

// NewCleaner constructs a cleaner for the provided replay directory.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{dir: dir, policy: policy, log: logger, now: time.Now}
}

// Protect marks the bundle directory that is still being written.
func (c *Cleaner) Protect(dir string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.protect = filepath.Clean(dir)
	c.mu.Unlock()
}

// Run executes retention sweeps until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// RunOnce performs a single retention sweep.
func (c *Cleaner) RunOnce() {
	if c == nil {
		return
	}
	c.sweep()
}

// Stats returns the last recorded storage statistics.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type bundleInfo struct {
	name     string
	path     string
	size     int64
	modTime  time.Time
	complete bool
}

func (c *Cleaner) sweep() {
	if strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("replay retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}
	c.mu.RLock()
	protect := c.protect
	c.mu.RUnlock()

	now := c.now()
	stats := StorageStats{LastSweep: now}
	kept := 0
	for _, bundle := range c.collect(entries) {
		//1.- The live bundle always counts as kept.
		if bundle.path != protect {
			if remove, reasons := c.shouldRemove(bundle, now, kept); remove {
				if err := os.RemoveAll(bundle.path); err == nil {
					c.log.Info("replay retention removed bundle", logging.String("bundle", bundle.name), logging.String("reason", reasons))
					continue
				}
				c.log.Warn("replay retention removal failed", logging.Error(err), logging.String("bundle", bundle.name))
			}
		}
		kept++
		stats.Bundles++
		stats.Bytes += bundle.size
		if bundle.complete {
			stats.Complete++
		}
	}
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

func (c *Cleaner) collect(entries []os.DirEntry) []*bundleInfo {
	bundles := make([]*bundleInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		if _, err := os.Stat(filepath.Join(path, manifestName)); err != nil {
			//1.- Only directories carrying a manifest are replay bundles.
			continue
		}
		bundle := &bundleInfo{name: entry.Name(), path: path}
		if err := bundle.scan(); err != nil {
			c.log.Warn("replay retention stat failed", logging.Error(err), logging.String("path", path))
			continue
		}
		bundles = append(bundles, bundle)
	}
	//2.- Newest first so the count limit favours recent matches.
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].modTime.After(bundles[j].modTime) })
	return bundles
}

func (b *bundleInfo) scan() error {
	return filepath.WalkDir(b.path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(b.modTime) {
			b.modTime = info.ModTime()
		}
		if d.IsDir() {
			return nil
		}
		if d.Name() == headerName {
			b.complete = true
		}
		b.size += info.Size()
		return nil
	})
}

func (c *Cleaner) shouldRemove(bundle *bundleInfo, now time.Time, kept int) (bool, string) {
	reasons := make([]string, 0, 2)
	if c.policy.MaxAge > 0 && now.Sub(bundle.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxBundles > 0 && kept >= c.policy.MaxBundles {
		reasons = append(reasons, fmt.Sprintf(">=%d bundles", c.policy.MaxBundles))
	}
	return len(reasons) > 0, strings.Join(reasons, ", ")
}
