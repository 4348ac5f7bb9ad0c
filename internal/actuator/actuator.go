// Package actuator executes the tiered mitigation sequence for one
// Violation: per-bully cgroup I/O throttling, escalating to accelerator
// partition reconfiguration for severe cases.
package actuator

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/baikal/gpuslo/internal/executor"
	"github.com/baikal/gpuslo/internal/state"
	"github.com/baikal/gpuslo/internal/statstore"
)

const (
	partitionDisableTimeout = 30 * time.Second
	partitionEnableTimeout  = 30 * time.Second
	partitionCreateTimeout  = 60 * time.Second
)

// defaultBlockDevices is the fallback block-device set used when the
// kernel partitions listing yields nothing.
var defaultBlockDevices = []string{"8:0"}

// Actuator applies mitigation for Violations produced by the state tracker.
type Actuator struct {
	runner executor.CommandRunner
	store  *statstore.Store

	cgroupRoot     string // overridable for testing; default "/sys/fs/cgroup"
	procRoot       string // overridable for testing; default "/proc"
	partitionsPath string // overridable for testing; default "/proc/partitions"

	maxIOLimitMbps int
	enableMIG      bool
}

// Option configures an Actuator.
type Option func(*Actuator)

// WithRoots overrides the cgroup/proc filesystem roots, for testing.
func WithRoots(cgroupRoot, procRoot, partitionsPath string) Option {
	return func(a *Actuator) {
		a.cgroupRoot = cgroupRoot
		a.procRoot = procRoot
		a.partitionsPath = partitionsPath
	}
}

// New returns an Actuator bounded by maxIOLimitMbps, with Tier 2 gated on
// enableMIG.
func New(runner executor.CommandRunner, store *statstore.Store, maxIOLimitMbps int, enableMIG bool, opts ...Option) *Actuator {
	a := &Actuator{
		runner:         runner,
		store:          store,
		cgroupRoot:     "/sys/fs/cgroup",
		procRoot:       "/proc",
		partitionsPath: "/proc/partitions",
		maxIOLimitMbps: maxIOLimitMbps,
		enableMIG:      enableMIG,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Mitigate executes the tiered sequence for v and returns every attempted
// step's result. No step's failure stops the others from running.
func (a *Actuator) Mitigate(ctx context.Context, v state.Violation) []statstore.ActionRecord {
	correlationID := uuid.NewString()
	var results []statstore.ActionRecord

	for _, bully := range v.BullyTenants {
		rec := a.throttleBully(ctx, bully, v.Severity, correlationID)
		a.store.Append(rec)
		results = append(results, rec)
	}

	if a.enableMIG && v.Severity > 0.5 {
		rec := a.reconfigurePartition(ctx, v, correlationID)
		a.store.Append(rec)
		results = append(results, rec)
	}

	return results
}

func (a *Actuator) throttleBully(ctx context.Context, tenantID int, severity float64, correlationID string) statstore.ActionRecord {
	tid := tenantID
	cgroupPath, err := a.findProcessCgroup(tenantID)
	if err != nil {
		return failedRecord(statstore.ActionIOThrottle, &tid, nil,
			fmt.Sprintf("[%s] resolve cgroup for tenant %d: %v", correlationID, tenantID, err))
	}

	devices := a.blockDevices()
	bytesPerSec := ioLimitBytesPerSec(a.maxIOLimitMbps, severity)

	if err := a.writeIOMax(cgroupPath, devices, bytesPerSec); err != nil {
		return failedRecord(statstore.ActionIOThrottle, &tid, nil,
			fmt.Sprintf("[%s] write io.max for tenant %d: %v", correlationID, tenantID, err))
	}

	return statstore.ActionRecord{
		Kind:         statstore.ActionIOThrottle,
		Success:      true,
		Message:      fmt.Sprintf("[%s] throttled tenant %d to %d B/s on %v", correlationID, tenantID, bytesPerSec, devices),
		Timestamp:    time.Now(),
		TargetTenant: &tid,
	}
}

// ioLimitBytesPerSec implements the exact bandwidth computation: half the
// configured ceiling, scaled down further as severity grows, floored at a
// 10% factor.
func ioLimitBytesPerSec(maxIOLimitMbps int, severity float64) int64 {
	baseMbps := float64(maxIOLimitMbps) * 0.5
	factor := 1.0 - severity
	if factor < 0.1 {
		factor = 0.1
	}
	mbps := int64(baseMbps * factor)
	return mbps * 1024 * 1024
}

// findProcessCgroup resolves a tenant's unified-hierarchy cgroup path by
// reading its cgroup membership file and taking the "0::" entry. If that is
// unavailable it falls back to the uid-keyed user-slice location.
func (a *Actuator) findProcessCgroup(tenantID int) (string, error) {
	path := filepath.Join(a.procRoot, strconv.Itoa(tenantID), "cgroup")
	data, err := os.ReadFile(path)
	if err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "0::") {
				rel := strings.TrimPrefix(line, "0::")
				return filepath.Join(a.cgroupRoot, rel), nil
			}
		}
	}

	uid, uidErr := a.ownerUID(tenantID)
	if uidErr != nil {
		return "", fmt.Errorf("read cgroup membership: %v; resolve owning uid: %w", err, uidErr)
	}
	return filepath.Join(a.cgroupRoot, "user.slice", fmt.Sprintf("user-%d.slice", uid)), nil
}

func (a *Actuator) ownerUID(tenantID int) (int, error) {
	path := filepath.Join(a.procRoot, strconv.Itoa(tenantID))
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return int(st.Uid), nil
	}
	return 0, fmt.Errorf("owner uid unavailable on this platform")
}

// blockDevices enumerates whole-disk entries from the kernel partitions
// listing, filtering to sd*/nvme*/hd* names whose final two characters
// contain no digit, defaulting to {"8:0"} if none are found.
func (a *Actuator) blockDevices() []string {
	f, err := os.Open(a.partitionsPath)
	if err != nil {
		return defaultBlockDevices
	}
	defer f.Close()

	var devices []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 4 {
			continue
		}
		major, minor, name := fields[0], fields[1], fields[3]
		if _, err := strconv.Atoi(major); err != nil {
			continue // header line
		}
		if !isWholeDiskName(name) {
			continue
		}
		devices = append(devices, major+":"+minor)
	}
	if len(devices) == 0 {
		return defaultBlockDevices
	}
	return devices
}

func isWholeDiskName(name string) bool {
	hasPrefix := strings.HasPrefix(name, "sd") || strings.HasPrefix(name, "nvme") || strings.HasPrefix(name, "hd")
	if !hasPrefix || name == "" {
		return false
	}
	tail := name
	if len(tail) > 2 {
		tail = tail[len(tail)-2:]
	}
	for _, c := range tail {
		if c >= '0' && c <= '9' {
			return false
		}
	}
	return true
}

// writeIOMax writes one "maj:min rbps=<B> wbps=<B>" line per device to the
// cgroup's io.max control file.
func (a *Actuator) writeIOMax(cgroupPath string, devices []string, bytesPerSec int64) error {
	var b strings.Builder
	for _, dev := range devices {
		fmt.Fprintf(&b, "%s rbps=%d wbps=%d\n", dev, bytesPerSec, bytesPerSec)
	}
	return os.WriteFile(filepath.Join(cgroupPath, "io.max"), []byte(b.String()), 0644)
}

// selectProfile chooses a partition profile from severity.
func selectProfile(severity float64) string {
	switch {
	case severity > 1.0:
		return "1g.5gb:7"
	case severity > 0.5:
		return "2g.10gb:3"
	default:
		return "3g.20gb:2"
	}
}

// deviceIndex extracts the integer index from a mock device id of the form
// "GPU-<index>-mock-uuid".
func deviceIndex(deviceID string) (int, error) {
	parts := strings.Split(deviceID, "-")
	if len(parts) < 2 {
		return 0, fmt.Errorf("malformed device id %q", deviceID)
	}
	return strconv.Atoi(parts[1])
}

func (a *Actuator) reconfigurePartition(ctx context.Context, v state.Violation, correlationID string) statstore.ActionRecord {
	device := v.VictimDevice
	idx, err := deviceIndex(device)
	if err != nil {
		return failedRecord(statstore.ActionPartitionReconfig, nil, &device,
			fmt.Sprintf("[%s] resolve device index for %s: %v", correlationID, device, err))
	}
	idxStr := strconv.Itoa(idx)

	if _, err := executor.RunTimeout(ctx, a.runner, partitionDisableTimeout, "nvidia-smi", "mig", "-i", idxStr, "-dgi"); err != nil {
		log.Printf("[actuator] [%s] disable-partitioning on device %d non-fatal failure: %v", correlationID, idx, err)
	}

	if _, err := executor.RunTimeout(ctx, a.runner, partitionEnableTimeout, "nvidia-smi", "mig", "-i", idxStr, "-e", "1"); err != nil {
		return failedRecord(statstore.ActionPartitionReconfig, nil, &device,
			fmt.Sprintf("[%s] enable-partitioning on device %d failed: %v", correlationID, idx, err))
	}

	profile := selectProfile(v.Severity)
	if _, err := executor.RunTimeout(ctx, a.runner, partitionCreateTimeout, "nvidia-smi", "mig", "-i", idxStr, "-cgi", profile); err != nil {
		return failedRecord(statstore.ActionPartitionReconfig, nil, &device,
			fmt.Sprintf("[%s] create-instances on device %d with profile %s failed: %v", correlationID, idx, profile, err))
	}

	return statstore.ActionRecord{
		Kind:         statstore.ActionPartitionReconfig,
		Success:      true,
		Message:      fmt.Sprintf("[%s] reconfigured device %d to profile %s", correlationID, idx, profile),
		Timestamp:    time.Now(),
		TargetDevice: &device,
	}
}

func failedRecord(kind statstore.ActionKind, tenant *int, device *string, msg string) statstore.ActionRecord {
	return statstore.ActionRecord{
		Kind:         kind,
		Success:      false,
		Message:      msg,
		Timestamp:    time.Now(),
		TargetTenant: tenant,
		TargetDevice: device,
	}
}
