package integrity

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gcc-13.2.0.tar.xz")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStrategyFor(t *testing.T) {
	if got, want := StrategyFor(14, false), StrategySHA512; got != want {
		t.Errorf("StrategyFor(14) = %v, want %v", got, want)
	}
	if got, want := StrategyFor(13, false), StrategyGPG; got != want {
		t.Errorf("StrategyFor(13) = %v, want %v", got, want)
	}
	if got, want := StrategyFor(14, true), StrategySkip; got != want {
		t.Errorf("StrategyFor(14, skip) = %v, want %v", got, want)
	}
}

func TestVerifySHA512Match(t *testing.T) {
	content := []byte("fake gcc tarball contents")
	path := writeTemp(t, content)
	sum := sha512.Sum512(content)
	digest := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(digest + "  gcc-13.2.0.tar.xz\n"))
	}))
	defer srv.Close()

	e := New()
	ok, err := e.Verify(context.Background(), VerifyOptions{
		Path:        path,
		Major:       14,
		ChecksumURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Errorf("Verify() = false, want true for matching checksum")
	}
}

func TestVerifySHA512Mismatch(t *testing.T) {
	path := writeTemp(t, []byte("fake gcc tarball contents"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("00000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000  gcc-13.2.0.tar.xz\n"))
	}))
	defer srv.Close()

	e := New()
	ok, err := e.Verify(context.Background(), VerifyOptions{
		Path:        path,
		Major:       14,
		ChecksumURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Errorf("Verify() = true, want false for mismatched checksum")
	}
}

func TestVerifyNetworkFailureIsNonFatal(t *testing.T) {
	path := writeTemp(t, []byte("fake gcc tarball contents"))
	e := New()
	ok, err := e.Verify(context.Background(), VerifyOptions{
		Path:        path,
		Major:       14,
		ChecksumURL: "http://127.0.0.1:1/unreachable",
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Errorf("Verify() = false, want true when the checksum fetch itself fails (spec §4.4)")
	}
}

func TestSkipChecksum(t *testing.T) {
	path := writeTemp(t, []byte("anything"))
	e := New()
	ok, err := e.Verify(context.Background(), VerifyOptions{
		Path:         path,
		Major:        14,
		SkipChecksum: true,
	})
	if err != nil || !ok {
		t.Errorf("Verify() with SkipChecksum = (%v, %v), want (true, nil)", ok, err)
	}
}
