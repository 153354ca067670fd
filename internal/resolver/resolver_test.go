package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

const listing = `<html><body>
<a href="gcc-13.1.0/">gcc-13.1.0/</a>
<a href="gcc-13.2.0/">gcc-13.2.0/</a>
<a href="gcc-12.3.0/">gcc-12.3.0/</a>
<a href="gcc-13.0.0-RC-20230101/">gcc-13.0.0-RC-20230101/</a>
</body></html>`

func TestResolveLatestNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(listing))
	}))
	defer srv.Close()

	r := New(srv.URL+"/", filepath.Join(t.TempDir(), ".gcc_version_cache"), nil)
	v, err := r.ResolveLatest(context.Background(), 13)
	if err != nil {
		t.Fatalf("ResolveLatest: %v", err)
	}
	if got, want := v.String(), "13.2.0"; got != want {
		t.Errorf("ResolveLatest(13) = %v, want %v", got, want)
	}
}

func TestResolveLatestFallback(t *testing.T) {
	// Unreachable releases URL and no disk cache forces the hard-coded
	// fallback table to be used.
	var usedFallback bool
	r := New("http://127.0.0.1:1/", filepath.Join(t.TempDir(), ".gcc_version_cache"), func(major uint8, fb bool) {
		usedFallback = fb
	})
	v, err := r.ResolveLatest(context.Background(), 13)
	if err != nil {
		t.Fatalf("ResolveLatest: %v", err)
	}
	if got, want := v.String(), "13.2.0"; got != want {
		t.Errorf("ResolveLatest(13) = %v, want %v", got, want)
	}
	if !usedFallback {
		t.Errorf("expected onMiss to report fallback usage")
	}
}

func TestResolveLatestDiskCache(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), ".gcc_version_cache")
	if err := os.WriteFile(cachePath, []byte("gcc-13:13.9.9\n"), 0644); err != nil {
		t.Fatal(err)
	}
	r := New("http://127.0.0.1:1/", cachePath, nil)
	v, err := r.ResolveLatest(context.Background(), 13)
	if err != nil {
		t.Fatalf("ResolveLatest: %v", err)
	}
	if got, want := v.String(), "13.9.9"; got != want {
		t.Errorf("ResolveLatest(13) = %v, want %v (from disk cache)", got, want)
	}
}

func TestVersionLookupErrorUnsupportedMajor(t *testing.T) {
	r := New("http://127.0.0.1:1/", filepath.Join(t.TempDir(), ".gcc_version_cache"), nil)
	_, err := r.ResolveLatest(context.Background(), 99)
	if err == nil {
		t.Fatal("expected VersionLookupError, got nil")
	}
	if _, ok := err.(*VersionLookupError); !ok {
		t.Errorf("err = %T, want *VersionLookupError", err)
	}
}
