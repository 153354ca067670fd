package gccbuild

import (
	"reflect"
	"testing"
)

func TestParseFull(t *testing.T) {
	v, err := ParseFull("13.2.0")
	if err != nil {
		t.Fatalf("ParseFull: %v", err)
	}
	want := GccVersion{Major: 13, Minor: 2, Patch: 0, Full: "13.2.0"}
	if v != want {
		t.Errorf("ParseFull(13.2.0) = %+v, want %+v", v, want)
	}
}

func TestParseFullRejectsMalformed(t *testing.T) {
	if _, err := ParseFull("13"); err == nil {
		t.Error("ParseFull(13): want error, got nil")
	}
}

func TestParseMajorRejectsOutOfRange(t *testing.T) {
	for _, s := range []string{"9", "16", "0"} {
		if _, err := ParseMajor(s); err == nil {
			t.Errorf("ParseMajor(%q): want error, got nil", s)
		}
	}
	for _, s := range []string{"10", "12", "15"} {
		if _, err := ParseMajor(s); err != nil {
			t.Errorf("ParseMajor(%q): unexpected error: %v", s, err)
		}
	}
}

func TestParseVersionListRanges(t *testing.T) {
	got, err := ParseVersionList("10-12")
	if err != nil {
		t.Fatalf("ParseVersionList: %v", err)
	}
	var majors []uint8
	for _, v := range got {
		majors = append(majors, v.Major)
	}
	if want := []uint8{10, 11, 12}; !reflect.DeepEqual(majors, want) {
		t.Errorf("majors = %v, want %v", majors, want)
	}
}

func TestParseVersionListDeduplicates(t *testing.T) {
	got, err := ParseVersionList("12,12,13")
	if err != nil {
		t.Fatalf("ParseVersionList: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len(got) = %d, want 2 (deduplicated)", len(got))
	}
}

func TestParseVersionListRejectsOutOfRange(t *testing.T) {
	if _, err := ParseVersionList("9,13"); err == nil {
		t.Error("ParseVersionList(9,13): want error, got nil")
	}
}

func TestGccVersionLess(t *testing.T) {
	a := GccVersion{Major: 12, Minor: 3, Patch: 0}
	b := GccVersion{Major: 13, Minor: 0, Patch: 0}
	if !a.Less(b) {
		t.Error("12.3.0 should be less than 13.0.0")
	}
	if b.Less(a) {
		t.Error("13.0.0 should not be less than 12.3.0")
	}
}

func TestIsUnresolved(t *testing.T) {
	if !(GccVersion{Major: 13}).IsUnresolved() {
		t.Error("GccVersion{Major:13} should be unresolved")
	}
	if (GccVersion{Major: 13, Minor: 2, Patch: 0}).IsUnresolved() {
		t.Error("GccVersion{13,2,0} should be resolved")
	}
}
