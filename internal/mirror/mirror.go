// Package mirror implements the Mirror Downloader (C3): health-weighted
// selection across alternative upstream mirrors with per-mirror retry,
// resume, and speed tracking.
package mirror

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/xerrors"

	"github.com/gccbuild/gccbuild/internal/integrity"
)

// Mirror is one alternate upstream server carrying the same relative path
// layout as the primary, per spec §3 MirrorState.
type Mirror struct {
	Name         string
	BaseURL      string
	Priority     int // 1 = highest priority
	MaxFailures  int

	mu           sync.Mutex
	failureCount int
	lastSuccess  time.Time
	hasSucceeded bool
	avgSpeedMbps float64
}

// Healthy implements the health predicate from spec §3:
// failure_count < max_failures.
func (m *Mirror) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failureCount < m.MaxFailures
}

func (m *Mirror) score() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	hoursSinceSuccess := 24.0
	if m.hasSucceeded {
		hoursSinceSuccess = time.Since(m.lastSuccess).Hours()
		if hoursSinceSuccess > 24 {
			hoursSinceSuccess = 24
		}
	}
	return 100 - 10*float64(m.Priority) + 2*(24-hoursSinceSuccess) + 5*m.avgSpeedMbps - 20*float64(m.failureCount)
}

// recordProbeSuccess records a successful health probe (no payload to time
// a transfer rate from) without disturbing avgSpeedMbps.
func (m *Mirror) recordProbeSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failureCount = 0
	m.lastSuccess = time.Now()
	m.hasSucceeded = true
}

func (m *Mirror) recordSuccess(speedMbps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failureCount = 0
	m.lastSuccess = time.Now()
	m.hasSucceeded = true
	if m.avgSpeedMbps == 0 {
		m.avgSpeedMbps = speedMbps
	} else {
		m.avgSpeedMbps = (m.avgSpeedMbps + speedMbps) / 2
	}
}

func (m *Mirror) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failureCount++
}

// revive resets a mirror's failure count, used by TestAll to allow a
// previously-unhealthy mirror to be retried.
func (m *Mirror) revive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failureCount = 0
}

// DefaultMirrors returns the default mirror set for GCC releases, seeded
// from original_source/rust/src/mirror_manager.rs (see DESIGN.md).
func DefaultMirrors() []*Mirror {
	return []*Mirror{
		{Name: "GNU Main", BaseURL: "https://ftp.gnu.org/gnu/gcc/", Priority: 1, MaxFailures: 3},
		{Name: "MIT", BaseURL: "https://mirrors.mit.edu/gnu/gcc/", Priority: 2, MaxFailures: 3},
		{Name: "Kernel.org", BaseURL: "https://mirrors.kernel.org/gnu/gcc/", Priority: 3, MaxFailures: 3},
		{Name: "GNU FTP (HTTPS)", BaseURL: "https://ftp.gnu.org/gnu/gcc/", Priority: 4, MaxFailures: 3},
		{Name: "CTAN", BaseURL: "https://mirror.ctan.org/gnu/gcc/", Priority: 5, MaxFailures: 3},
	}
}

const (
	connectTimeout    = 30 * time.Second
	perAttemptTimeout = 5 * time.Minute
	retryPause        = 5 * time.Second
)

// DownloadError is returned when every candidate mirror fails for a given
// relative path, per spec §4.3.
type DownloadError struct {
	URL    string
	Reason string
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s failed: %s", e.URL, e.Reason)
}

// Downloader fetches relative paths across a set of mirrors with failover.
type Downloader struct {
	Mirrors             []*Mirror
	MaxRetriesPerMirror int // default 2, per original_source/rust's mirror_manager.rs
	HTTPClient          *http.Client
}

// New constructs a Downloader over mirrors with the spec-default retry
// policy.
func New(mirrors []*Mirror) *Downloader {
	return &Downloader{
		Mirrors:             mirrors,
		MaxRetriesPerMirror: 2,
		HTTPClient: &http.Client{
			Timeout: perAttemptTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   10,
				DisableCompression:    true, // mirror package handles Content-Encoding itself
				ResponseHeaderTimeout: connectTimeout,
			},
		},
	}
}

// orderedCandidates partitions Mirrors into healthy/unhealthy and sorts
// each partition by descending score, returning healthy first, per spec
// §4.3's "try healthy mirrors first; if all healthy fail, the error
// surfaces — do not try unhealthy" rule.
func (d *Downloader) orderedCandidates() (healthy, unhealthy []*Mirror) {
	for _, m := range d.Mirrors {
		if m.Healthy() {
			healthy = append(healthy, m)
		} else {
			unhealthy = append(unhealthy, m)
		}
	}
	sort.Slice(healthy, func(i, j int) bool { return healthy[i].score() > healthy[j].score() })
	sort.Slice(unhealthy, func(i, j int) bool { return unhealthy[i].score() > unhealthy[j].score() })
	return healthy, unhealthy
}

// Download fetches relativePath from the best healthy mirror, falling back
// across healthy mirrors in score order until one succeeds or all are
// exhausted.
func (d *Downloader) Download(ctx context.Context, relativePath, dest string) error {
	healthy, _ := d.orderedCandidates()
	if len(healthy) == 0 {
		return &DownloadError{URL: relativePath, Reason: "no healthy mirrors available"}
	}
	var lastErr error
	for _, m := range healthy {
		u := strings.TrimRight(m.BaseURL, "/") + "/" + strings.TrimLeft(relativePath, "/")
		if err := d.downloadFromMirror(ctx, m, u, dest); err != nil {
			lastErr = err
			m.recordFailure()
			continue
		}
		return nil
	}
	return &DownloadError{URL: relativePath, Reason: fmt.Sprintf("all healthy mirrors failed: %v", lastErr)}
}

// downloadFromMirror attempts MaxRetriesPerMirror attempts against one
// mirror, resuming partial downloads via Range on retry, per spec §4.3.
func (d *Downloader) downloadFromMirror(ctx context.Context, m *Mirror, url, dest string) error {
	attempts := d.MaxRetriesPerMirror
	if attempts <= 0 {
		attempts = 2
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		n, err := d.attemptDownload(ctx, url, dest)
		if err == nil {
			if n < integrity.MinDownloadSizeBytes {
				os.Remove(dest)
				lastErr = xerrors.Errorf("GET %s: downloaded only %d bytes, below the %d byte floor", url, n, integrity.MinDownloadSizeBytes)
				m.recordFailure()
				if attempt < attempts {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(retryPause):
					}
				}
				continue
			}
			elapsed := time.Since(start).Seconds()
			var mbps float64
			if elapsed > 0 {
				mbps = (float64(n) / 1e6) / elapsed
			}
			m.recordSuccess(mbps)
			return nil
		}
		lastErr = err
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryPause):
			}
		}
	}
	return lastErr
}

// attemptDownload performs one GET (resuming via Range if dest already has
// bytes from a previous attempt), streaming the gzip-decoded body when the
// server advertises Content-Encoding: gzip.
func (d *Downloader) attemptDownload(ctx context.Context, url, dest string) (int64, error) {
	var resumeFrom int64
	if fi, err := os.Stat(dest + ".part"); err == nil {
		resumeFrom = fi.Size()
	}

	cctx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, "GET", url, nil)
	if err != nil {
		return 0, err
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return 0, xerrors.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, xerrors.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		resumeFrom = 0
	}
	f, err := os.OpenFile(dest+".part", flags, 0644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return 0, xerrors.Errorf("GET %s: gzip: %w", url, err)
		}
		defer gz.Close()
		body = gz
	}

	n, err := io.Copy(f, body)
	if err != nil {
		return resumeFrom + n, xerrors.Errorf("GET %s: %w", url, err)
	}
	if err := f.Close(); err != nil {
		return resumeFrom + n, err
	}
	if err := os.Rename(dest+".part", dest); err != nil {
		return resumeFrom + n, err
	}
	return resumeFrom + n, nil
}

// TestAll HEADs a known small file on each mirror to refresh health and
// latency, and can revive mirrors that had been marked unhealthy, per spec
// §4.3.
func (d *Downloader) TestAll(ctx context.Context, probePath string) {
	var wg sync.WaitGroup
	for _, m := range d.Mirrors {
		m := m
		wg.Add(1)
		go func() {
			defer wg.Done()
			u := strings.TrimRight(m.BaseURL, "/") + "/" + strings.TrimLeft(probePath, "/")
			req, err := http.NewRequestWithContext(ctx, "HEAD", u, nil)
			if err != nil {
				return
			}
			resp, err := d.HTTPClient.Do(req)
			if err != nil {
				m.recordFailure()
				return
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				m.recordFailure()
				return
			}
			m.revive()
			m.recordProbeSuccess()
		}()
	}
	wg.Wait()
}
