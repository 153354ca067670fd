// Package resolver implements the Version Resolver (C2): mapping a GCC
// major version to its latest known major.minor.patch release, with a
// two-tier cache and a hard-coded last-resort fallback table.
package resolver

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"
	"golang.org/x/mod/semver"
	"golang.org/x/net/html"
	"golang.org/x/xerrors"

	"github.com/gccbuild/gccbuild"
)

// ttl is the Version Resolver's authoritative in-memory cache TTL. See
// DESIGN.md for the resolution of the 24h-vs-1h ambiguity in
// original_source.
const ttl = 24 * time.Hour

// knownLatest is the hard-coded fallback table used when both the network
// and the disk cache are unavailable.
var knownLatest = map[uint8]string{
	10: "10.5.0",
	11: "11.4.0",
	12: "12.3.0",
	13: "13.2.0",
	14: "14.2.0",
	15: "15.2.0",
}

// VersionLookupError is returned when the network, disk cache, and
// fallback table all fail to produce a version for a major.
type VersionLookupError struct {
	Major uint8
}

func (e *VersionLookupError) Error() string {
	return fmt.Sprintf("resolver: could not resolve latest version for GCC %d: network, disk cache, and fallback table all failed", e.Major)
}

type cacheEntry struct {
	version   gccbuild.GccVersion
	expiresAt time.Time
}

// Resolver resolves GCC major versions to full releases, using an
// in-memory tier, an on-disk tier (re-read at construction), and a network
// fetch against releasesURL, in that order on cache miss.
type Resolver struct {
	ReleasesURL string // e.g. "https://ftp.gnu.org/gnu/gcc/"
	CachePath   string // disk tier path, e.g. "<build_root>/.gcc_version_cache"
	HTTPClient  *http.Client

	mu      sync.Mutex
	memory  map[uint8]cacheEntry
	onDisk  map[uint8]string // major -> full, loaded once from CachePath
	loaded  bool
	onMiss  func(major uint8, usedFallback bool)
}

// New constructs a Resolver. onMiss, if non-nil, is invoked whenever the
// fallback table had to be used, so callers can log it (per spec §4.2).
func New(releasesURL, cachePath string, onMiss func(major uint8, usedFallback bool)) *Resolver {
	return &Resolver{
		ReleasesURL: releasesURL,
		CachePath:   cachePath,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		memory:      make(map[uint8]cacheEntry),
		onMiss:      onMiss,
	}
}

// ResolveLatest maps major to the latest known major.minor.patch release,
// per spec §4.2's three-tier strategy.
func (r *Resolver) ResolveLatest(ctx context.Context, major uint8) (gccbuild.GccVersion, error) {
	r.mu.Lock()
	if entry, ok := r.memory[major]; ok && time.Now().Before(entry.expiresAt) {
		r.mu.Unlock()
		return entry.version, nil
	}
	if !r.loaded {
		r.loadDiskCache()
		r.loaded = true
	}
	if full, ok := r.onDisk[major]; ok {
		if v, err := gccbuild.ParseFull(full); err == nil {
			r.memory[major] = cacheEntry{version: v, expiresAt: time.Now().Add(ttl)}
			r.mu.Unlock()
			return v, nil
		}
	}
	r.mu.Unlock()

	v, err := r.fetchLatest(ctx, major)
	if err == nil {
		r.store(major, v)
		return v, nil
	}

	full, ok := knownLatest[major]
	if !ok {
		return gccbuild.GccVersion{}, &VersionLookupError{Major: major}
	}
	fv, ferr := gccbuild.ParseFull(full)
	if ferr != nil {
		return gccbuild.GccVersion{}, &VersionLookupError{Major: major}
	}
	if r.onMiss != nil {
		r.onMiss(major, true)
	}
	r.store(major, fv)
	return fv, nil
}

func (r *Resolver) store(major uint8, v gccbuild.GccVersion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memory[major] = cacheEntry{version: v, expiresAt: time.Now().Add(ttl)}
	if r.onDisk == nil {
		r.onDisk = make(map[uint8]string)
	}
	r.onDisk[major] = v.String()
	r.persistDiskCache()
}

// loadDiskCache re-reads the ".gcc_version_cache" file, one
// "gcc-<major>:<full>" line per entry, per spec §4.2.
func (r *Resolver) loadDiskCache() {
	r.onDisk = make(map[uint8]string)
	if r.CachePath == "" {
		return
	}
	b, err := ioutil.ReadFile(r.CachePath)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], "gcc-") {
			continue
		}
		major, err := gccbuild.ParseMajor(strings.TrimPrefix(parts[0], "gcc-"))
		if err != nil {
			continue
		}
		r.onDisk[major.Major] = parts[1]
	}
}

// persistDiskCache rewrites the disk cache file atomically (write-then-
// rename), matching internal/build's renameio-based index writes.
func (r *Resolver) persistDiskCache() {
	if r.CachePath == "" {
		return
	}
	majors := make([]int, 0, len(r.onDisk))
	for m := range r.onDisk {
		majors = append(majors, int(m))
	}
	sort.Ints(majors)
	var buf bytes.Buffer
	for _, m := range majors {
		fmt.Fprintf(&buf, "gcc-%d:%s\n", m, r.onDisk[uint8(m)])
	}
	t, err := renameio.TempFile("", r.CachePath)
	if err != nil {
		return
	}
	defer t.Cleanup()
	if _, err := t.Write(buf.Bytes()); err != nil {
		return
	}
	t.CloseAtomicallyReplace()
}

var dirRe = regexp.MustCompile(`^gcc-(\d+)\.(\d+)\.(\d+)/?$`)

// fetchLatest fetches r.ReleasesURL, scrapes directory-listing <a> links
// for "gcc-<major>.<minor>.<patch>/" entries matching major, and returns
// the maximum by natural (semver-style) version ordering, following
// internal/checkupstream's extractLinks/extractVersions idiom.
func (r *Resolver) fetchLatest(ctx context.Context, major uint8) (gccbuild.GccVersion, error) {
	if r.ReleasesURL == "" {
		return gccbuild.GccVersion{}, xerrors.Errorf("fetchLatest: no releases URL configured")
	}
	base, err := url.Parse(r.ReleasesURL)
	if err != nil {
		return gccbuild.GccVersion{}, xerrors.Errorf("fetchLatest: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", base.String(), nil)
	if err != nil {
		return gccbuild.GccVersion{}, xerrors.Errorf("fetchLatest: %w", err)
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return gccbuild.GccVersion{}, xerrors.Errorf("fetchLatest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return gccbuild.GccVersion{}, xerrors.Errorf("fetchLatest: unexpected HTTP status %s", resp.Status)
	}
	b, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return gccbuild.GccVersion{}, xerrors.Errorf("fetchLatest: %w", err)
	}
	links, err := extractLinks(base, b)
	if err != nil {
		return gccbuild.GccVersion{}, xerrors.Errorf("fetchLatest: %w", err)
	}

	var candidates []gccbuild.GccVersion
	var semvers []string
	bySemver := make(map[string]gccbuild.GccVersion)
	for _, l := range links {
		name := path.Base(strings.TrimSuffix(l, "/"))
		m := dirRe.FindStringSubmatch(name + "/")
		if m == nil {
			continue
		}
		v, err := gccbuild.ParseFull(fmt.Sprintf("%s.%s.%s", m[1], m[2], m[3]))
		if err != nil || v.Major != major {
			continue
		}
		sv := "v" + v.String()
		candidates = append(candidates, v)
		semvers = append(semvers, sv)
		bySemver[sv] = v
	}
	if len(candidates) == 0 {
		return gccbuild.GccVersion{}, xerrors.Errorf("fetchLatest: no gcc-%d.*.* entries found at %s", major, r.ReleasesURL)
	}
	sort.Slice(semvers, func(i, j int) bool {
		return semver.Compare(semvers[i], semvers[j]) < 0
	})
	best := bySemver[semvers[len(semvers)-1]]
	return best, nil
}

// extractLinks parses b as HTML and resolves every <a href> against parent,
// grounded directly on internal/checkupstream.extractLinks.
func extractLinks(parent *url.URL, b []byte) ([]string, error) {
	doc, err := html.Parse(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				if uri, err := url.Parse(attr.Val); err == nil {
					links = append(links, parent.ResolveReference(uri).String())
				}
				break
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links, nil
}
