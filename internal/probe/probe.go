// Package probe implements the System Probe (C1): sampling RAM, CPU
// topology, disk type, free space, target triple, and OS release.
package probe

import (
	"bufio"
	"context"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// DiskType classifies the underlying storage of the build root.
type DiskType string

const (
	HDD     DiskType = "HDD"
	SSD     DiskType = "SSD"
	NVMe    DiskType = "NVMe"
	Unknown DiskType = "Unknown"
)

// SystemInfo is a point-in-time snapshot of host resources, per spec §4.1.
type SystemInfo struct {
	TotalRAMMB      uint64
	AvailRAMMB      uint64
	PhysicalCores   int
	LogicalCores    int
	DiskType        DiskType
	AvailableDiskGB float64
	Load1Min        float64
	TargetTriple    string
	OSRelease       string

	sampledAt time.Time
}

// Stale reports whether info is older than 10s and callers should re-probe,
// per spec §4.1 ("callers re-probe when stale (>10 s)").
func (info SystemInfo) Stale() bool {
	return time.Since(info.sampledAt) > 10*time.Second
}

// SystemRequirementsError is returned by Probe when the host falls short of
// the minimum requirements to attempt any build.
type SystemRequirementsError struct {
	Reason string
}

func (e *SystemRequirementsError) Error() string {
	return "system requirements not met: " + e.Reason
}

// minTotalRAMMB is the absolute floor below which no build may be attempted.
const minTotalRAMMB = 2000

// perVersionDiskGB and baseDiskGB compute the minimum free disk space
// required at the build root: (#versions * 25GB + 5GB), per spec §4.1.
const (
	perVersionDiskGB = 25
	baseDiskGB       = 5
)

// RequiredDiskGB returns the minimum free space, in GB, required to build
// numVersions GCC versions in the configured build root.
func RequiredDiskGB(numVersions int) float64 {
	return float64(numVersions)*perVersionDiskGB + baseDiskGB
}

// Probe samples the host and returns a SystemInfo, or a
// *SystemRequirementsError if the host cannot satisfy the minimum
// requirements for building numVersions GCC versions under buildRoot.
func Probe(ctx context.Context, buildRoot string, numVersions int) (SystemInfo, error) {
	info := SystemInfo{sampledAt: time.Now()}

	totalKB, availKB, err := readMemInfo()
	if err != nil {
		return SystemInfo{}, xerrors.Errorf("probe: readMemInfo: %w", err)
	}
	info.TotalRAMMB = totalKB / 1024
	info.AvailRAMMB = availKB / 1024

	info.LogicalCores = runtime.NumCPU()
	info.PhysicalCores = physicalCores(info.LogicalCores)

	info.DiskType = diskTypeFor(buildRoot)
	info.AvailableDiskGB = availableDiskGB(buildRoot)
	info.Load1Min = load1Min()
	info.TargetTriple = TargetTriple(ctx)
	info.OSRelease = osRelease()

	if info.TotalRAMMB < minTotalRAMMB {
		return SystemInfo{}, &SystemRequirementsError{
			Reason: xerrors.Errorf("total RAM %dMB below minimum %dMB", info.TotalRAMMB, minTotalRAMMB).Error(),
		}
	}
	required := RequiredDiskGB(numVersions)
	if info.AvailableDiskGB < required {
		return SystemInfo{}, &SystemRequirementsError{
			Reason: xerrors.Errorf("available disk %.1fGB below required %.1fGB for %d version(s)", info.AvailableDiskGB, required, numVersions).Error(),
		}
	}

	return info, nil
}

// readMemInfo reads /proc/meminfo for MemTotal and MemAvailable, in kB,
// following the direct-read idiom of internal/trace's memEvents.
func readMemInfo() (totalKB, availKB uint64, err error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = parseKBLine(line, "MemTotal:")
		case strings.HasPrefix(line, "MemAvailable:"):
			availKB = parseKBLine(line, "MemAvailable:")
		}
	}
	if err := sc.Err(); err != nil {
		return 0, 0, err
	}
	return totalKB, availKB, nil
}

func parseKBLine(line, prefix string) uint64 {
	val := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	val = strings.TrimSuffix(val, " kB")
	n, _ := strconv.ParseUint(strings.TrimSpace(val), 10, 64)
	return n
}

// physicalCores estimates physical core count from /proc/cpuinfo by
// counting distinct "physical id"/"core id" pairs; falls back to
// logicalCores when that information is absent (common in containers/VMs).
func physicalCores(logicalCores int) int {
	b, err := ioutil.ReadFile("/proc/cpuinfo")
	if err != nil {
		return logicalCores
	}
	seen := make(map[string]bool)
	var physID, coreID string
	for _, line := range strings.Split(string(b), "\n") {
		switch {
		case strings.HasPrefix(line, "physical id"):
			physID = fieldValue(line)
		case strings.HasPrefix(line, "core id"):
			coreID = fieldValue(line)
			if physID != "" {
				seen[physID+"/"+coreID] = true
			}
		}
	}
	if len(seen) == 0 {
		return logicalCores
	}
	return len(seen)
}

func fieldValue(line string) string {
	idx := strings.IndexByte(line, ':')
	if idx == -1 {
		return ""
	}
	return strings.TrimSpace(line[idx+1:])
}

// load1Min reads the 1-minute load average from /proc/loadavg.
func load1Min() float64 {
	b, err := ioutil.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return 0
	}
	v, _ := strconv.ParseFloat(fields[0], 64)
	return v
}

// TargetTriple invokes "cc -dumpmachine", falling back to x86_64-linux-gnu
// per spec §4.1.
func TargetTriple(ctx context.Context) string {
	cmd := exec.CommandContext(ctx, "cc", "-dumpmachine")
	out, err := cmd.Output()
	if err != nil {
		return "x86_64-linux-gnu"
	}
	triple := strings.TrimSpace(string(out))
	if triple == "" {
		return "x86_64-linux-gnu"
	}
	return triple
}

// osRelease reads the PRETTY_NAME field from /etc/os-release, best-effort.
func osRelease() string {
	b, err := ioutil.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(b), "\n") {
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			v := strings.TrimPrefix(line, "PRETTY_NAME=")
			v = strings.Trim(v, `"`)
			return v
		}
	}
	return ""
}

// availableDiskGB statfs's path (or its nearest existing ancestor) and
// returns the free space in GB.
func availableDiskGB(path string) float64 {
	dir := path
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0
	}
	bytesFree := st.Bavail * uint64(st.Bsize)
	return float64(bytesFree) / 1e9
}

// diskTypeFor resolves the disk type backing path: it stats path for its
// st_dev, resolves /sys/dev/block/<maj>:<min>, and walks up to four
// directories looking for an nvme device name or a queue/rotational flag.
// Any failure yields Unknown rather than an error (per spec §4.1).
func diskTypeFor(path string) DiskType {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Unknown
	}
	major, minor := unix.Major(uint64(st.Dev)), unix.Minor(uint64(st.Dev))
	devLink := filepath.Join("/sys/dev/block", strconv.FormatUint(uint64(major), 10)+":"+strconv.FormatUint(uint64(minor), 10))
	resolved, err := filepath.EvalSymlinks(devLink)
	if err != nil {
		return Unknown
	}
	// resolved is typically /sys/devices/.../block/<dev>[/<partition>];
	// walk up to the whole-disk directory, which carries queue/rotational.
	dir := resolved
	for i := 0; i < 4; i++ {
		if name := filepath.Base(dir); strings.HasPrefix(name, "nvme") {
			return NVMe
		}
		if b, err := ioutil.ReadFile(filepath.Join(dir, "queue", "rotational")); err == nil {
			switch strings.TrimSpace(string(b)) {
			case "0":
				return SSD
			case "1":
				return HDD
			}
		}
		dir = filepath.Dir(dir)
	}
	return Unknown
}
