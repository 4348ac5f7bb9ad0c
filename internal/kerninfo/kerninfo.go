// Package kerninfo probes kernel-level capability signals reported next to
// the discovered topology by the capabilities command: BTF/CO-RE
// availability and the perf-event/cgroup instrumentation primitives.
// Topology discovery itself does not consult them.
package kerninfo

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cilium/ebpf/btf"
)

// Capabilities summarizes what this node's kernel can support.
type Capabilities struct {
	KernelVersion string `json:"kernel_version"`
	MajorVersion  int    `json:"major_version"`
	MinorVersion  int    `json:"minor_version"`

	BTFAvailable bool `json:"btf_available"`
	CORESupport  bool `json:"core_support"` // kernel >= 5.8

	PerfEventsAvailable bool `json:"perf_events_available"`
	CgroupV2Unified     bool `json:"cgroup_v2_unified"`
}

// Probe inspects the running kernel and returns its Capabilities. It never
// fails: every signal degrades to its zero value when unavailable, since
// this information is advisory, not load-bearing for control decisions.
func Probe() *Capabilities {
	c := &Capabilities{}
	c.KernelVersion = readKernelVersion()
	c.MajorVersion, c.MinorVersion = parseKernelVersion(c.KernelVersion)
	c.CORESupport = coreSupported(c.MajorVersion, c.MinorVersion)

	c.BTFAvailable = probeBTF()
	c.PerfEventsAvailable = fileExists("/proc/sys/kernel/perf_event_paranoid")
	c.CgroupV2Unified = probeCgroupV2Unified()

	return c
}

// coreSupported reports whether a kernel version is 5.8 or newer.
func coreSupported(major, minor int) bool {
	return major > 5 || (major == 5 && minor >= 8)
}

// probeBTF attempts to load the running kernel's BTF spec. A successful
// load is a stronger signal than a bare file-existence check, since it
// confirms the blob actually parses.
func probeBTF() bool {
	spec, err := btf.LoadKernelSpec()
	if err != nil {
		return fileExists("/sys/kernel/btf/vmlinux")
	}
	return spec != nil
}

// probeCgroupV2Unified reports whether the host mounts a unified cgroup v2
// hierarchy, which the actuator's cgroup-path resolution depends on.
func probeCgroupV2Unified() bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[2] == "cgroup2" {
			return true
		}
	}
	return false
}

func readKernelVersion() string {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(data))
	if len(fields) >= 3 {
		return fields[2]
	}
	return ""
}

func parseKernelVersion(version string) (int, int) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return 0, 0
	}
	major, _ := strconv.Atoi(parts[0])
	minorStr := parts[1]
	if idx := strings.IndexAny(minorStr, "-+~"); idx >= 0 {
		minorStr = minorStr[:idx]
	}
	minor, _ := strconv.Atoi(minorStr)
	return major, minor
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// String renders a one-line human summary, used by the capabilities report.
func (c *Capabilities) String() string {
	return fmt.Sprintf("kernel=%s btf=%v core=%v perf_events=%v cgroup_v2=%v",
		c.KernelVersion, c.BTFAvailable, c.CORESupport, c.PerfEventsAvailable, c.CgroupV2Unified)
}
