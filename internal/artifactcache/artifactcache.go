// Package artifactcache implements the Artifact Cache (C6): a
// content-addressed store of completed GCC installations keyed by
// "gcc-<version>-<config_hash[0..16]>".
package artifactcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/gccbuild/gccbuild/internal/config"
)

// Entry is an ArtifactEntry, per spec §3.
type Entry struct {
	CacheKey         string    `json:"cache_key"`
	InstallPath      string    `json:"install_path"`
	SizeBytes        int64     `json:"size_bytes"`
	CreatedAt        time.Time `json:"created_at"`
	LastAccessed     time.Time `json:"last_accessed"`
	BuildTimeSecs    float64   `json:"build_time_secs"`
	VerificationHash string    `json:"verification_hash"`
	BuildConfig      config.BuildConfig `json:"build_config"`
}

type index struct {
	Artifacts       map[string]*Entry `json:"artifacts"`
	TotalSizeBytes  int64             `json:"total_size_bytes"`
	LastCleanup     *time.Time        `json:"last_cleanup,omitempty"`
}

// Cache is the Artifact Cache root directory.
type Cache struct {
	Root           string
	MaxCacheSizeGB float64 // default 100
	MaxAgeDays     int     // default 90

	mu     sync.Mutex
	idx    index
	loaded bool
}

// New constructs a Cache rooted at root with spec-default eviction policy.
func New(root string) *Cache {
	return &Cache{
		Root:           root,
		MaxCacheSizeGB: 100,
		MaxAgeDays:     90,
	}
}

func (c *Cache) indexPath() string { return filepath.Join(c.Root, "index.json") }

func (c *Cache) load() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}
	c.idx.Artifacts = make(map[string]*Entry)
	b, err := ioutil.ReadFile(c.indexPath())
	if err == nil {
		if err := json.Unmarshal(b, &c.idx); err != nil {
			return xerrors.Errorf("artifactcache: corrupt index.json: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return xerrors.Errorf("artifactcache: %w", err)
	}
	if c.idx.Artifacts == nil {
		c.idx.Artifacts = make(map[string]*Entry)
	}
	c.loaded = true

	if c.idx.LastCleanup == nil || !isToday(*c.idx.LastCleanup) {
		c.reapExpiredLocked()
		now := time.Now()
		c.idx.LastCleanup = &now
		return c.persistLocked()
	}
	return nil
}

func isToday(t time.Time) bool {
	now := time.Now()
	y1, m1, d1 := t.Date()
	y2, m2, d2 := now.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func (c *Cache) persistLocked() error {
	b, err := json.MarshalIndent(c.idx, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.Root, 0755); err != nil {
		return err
	}
	// Write-then-rename (Invariant: "Artifact-cache writes are visible
	// atomically via index-write-then-rename"), grounded on
	// internal/build.PkgSource's renameio usage.
	t, err := renameio.TempFile("", c.indexPath())
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if _, err := t.Write(b); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

// Lookup implements spec §4.6's lookup(version, config_hash): on hit,
// verifies bin/gcc and bin/g++ exist under the cached path and advances
// last_accessed.
func (c *Cache) Lookup(version string, cfg config.BuildConfig, targetTriple string) (*Entry, bool) {
	if err := c.load(); err != nil {
		return nil, false
	}
	key := config.CacheKey(version, cfg, targetTriple)

	c.mu.Lock()
	entry, ok := c.idx.Artifacts[key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	if !isExecutableFile(filepath.Join(entry.InstallPath, "bin", "gcc")) ||
		!isExecutableFile(filepath.Join(entry.InstallPath, "bin", "g++")) {
		return nil, false
	}

	c.mu.Lock()
	entry.LastAccessed = time.Now()
	c.persistLocked()
	c.mu.Unlock()
	return entry, true
}

func isExecutableFile(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	return fi.Mode()&0111 != 0
}

// Store implements spec §4.6's store(...): copies the staged installation
// into the cache (preferring link-preserving rsync -aH, else plain
// recursive copy) and records an ArtifactEntry.
func (c *Cache) Store(version string, cfg config.BuildConfig, targetTriple, sourceInstallPath string, buildTimeSecs float64) (*Entry, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	key := config.CacheKey(version, cfg, targetTriple)
	dest := filepath.Join(c.Root, key)

	os.RemoveAll(dest)
	if err := copyInstall(sourceInstallPath, dest); err != nil {
		return nil, xerrors.Errorf("artifactcache.Store(%s): %w", key, err)
	}

	size, _ := dirSize(dest)
	verHash, err := verificationHash(dest)
	if err != nil {
		return nil, xerrors.Errorf("artifactcache.Store(%s): %w", key, err)
	}

	entry := &Entry{
		CacheKey:         key,
		InstallPath:      dest,
		SizeBytes:        size,
		CreatedAt:        time.Now(),
		LastAccessed:     time.Now(),
		BuildTimeSecs:    buildTimeSecs,
		VerificationHash: verHash,
		BuildConfig:      cfg,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.idx.Artifacts[key] = entry
	c.idx.TotalSizeBytes += size
	c.evictIfOverLimitLocked()
	if err := c.persistLocked(); err != nil {
		return nil, err
	}
	return entry, nil
}

// copyInstall copies src into dst, preferring rsync -aH (link-preserving)
// and falling back to a plain recursive copy, per spec §4.6.
func copyInstall(src, dst string) error {
	if _, err := exec.LookPath("rsync"); err == nil {
		cmd := exec.Command("rsync", "-aH", src+"/", dst+"/")
		if err := cmd.Run(); err == nil {
			return nil
		}
	}
	return exec.Command("cp", "-a", src, dst).Run()
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// verificationHash computes SHA-256 over a deterministic selection of key
// files/paths, per spec §4.6.
func verificationHash(installPath string) (string, error) {
	h := sha256.New()
	for _, rel := range []string{"bin/gcc", "bin/g++", "lib/gcc", "include"} {
		p := filepath.Join(installPath, rel)
		fmt.Fprintf(h, "path:%s\n", rel)
		filepath.Walk(p, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil
			}
			fmt.Fprintf(h, "%s:%d\n", path, info.Size())
			return nil
		})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ArtifactSummary is a lightweight row for List().
type ArtifactSummary struct {
	CacheKey     string
	SizeBytes    int64
	CreatedAt    time.Time
	LastAccessed time.Time
}

// List returns a summary of all cached artifacts.
func (c *Cache) List() ([]ArtifactSummary, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ArtifactSummary, 0, len(c.idx.Artifacts))
	for _, e := range c.idx.Artifacts {
		out = append(out, ArtifactSummary{
			CacheKey:     e.CacheKey,
			SizeBytes:    e.SizeBytes,
			CreatedAt:    e.CreatedAt,
			LastAccessed: e.LastAccessed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CacheKey < out[j].CacheKey })
	return out, nil
}

// Evict removes the artifact keyed by key.
func (c *Cache) Evict(key string) error {
	if err := c.load(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.idx.Artifacts[key]
	if !ok {
		return xerrors.Errorf("artifactcache.Evict(%s): not found", key)
	}
	os.RemoveAll(entry.InstallPath)
	c.idx.TotalSizeBytes -= entry.SizeBytes
	delete(c.idx.Artifacts, key)
	return c.persistLocked()
}

// CleanupExpired reaps entries older than MaxAgeDays, per spec §4.6. Also
// invoked automatically on first cache init per calendar day (see load()).
func (c *Cache) CleanupExpired() error {
	if err := c.load(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reapExpiredLocked()
	return c.persistLocked()
}

func (c *Cache) reapExpiredLocked() {
	maxAge := c.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 90
	}
	cutoff := time.Now().AddDate(0, 0, -maxAge)
	for key, e := range c.idx.Artifacts {
		if e.CreatedAt.Before(cutoff) {
			os.RemoveAll(e.InstallPath)
			c.idx.TotalSizeBytes -= e.SizeBytes
			delete(c.idx.Artifacts, key)
		}
	}
}

// evictIfOverLimitLocked evicts entries in ascending last_accessed order
// until usage <= 80% of MaxCacheSizeGB, per spec §4.6.
func (c *Cache) evictIfOverLimitLocked() {
	maxGB := c.MaxCacheSizeGB
	if maxGB <= 0 {
		maxGB = 100
	}
	maxBytes := int64(maxGB * 1e9)
	if c.idx.TotalSizeBytes <= maxBytes {
		return
	}
	targetBytes := int64(float64(maxBytes) * 0.8)

	type kv struct {
		key string
		e   *Entry
	}
	entries := make([]kv, 0, len(c.idx.Artifacts))
	for k, e := range c.idx.Artifacts {
		entries = append(entries, kv{k, e})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].e.LastAccessed.Before(entries[j].e.LastAccessed)
	})
	for _, kv := range entries {
		if c.idx.TotalSizeBytes <= targetBytes {
			break
		}
		os.RemoveAll(kv.e.InstallPath)
		c.idx.TotalSizeBytes -= kv.e.SizeBytes
		delete(c.idx.Artifacts, kv.key)
	}
}
