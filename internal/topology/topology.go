// Package topology discovers the accelerator inventory of a host — bus
// hierarchy, NUMA placement — and answers affinity-penalty queries between
// accelerators.
package topology

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/baikal/gpuslo/internal/executor"
)

// BusNodeKind classifies a discovered bus device.
type BusNodeKind int

const (
	BusNodeOther BusNodeKind = iota
	BusNodeRoot
	BusNodeBridge
	BusNodeGPU
)

// BusNode is one entry in the discovered bus hierarchy.
type BusNode struct {
	BusAddress string
	Kind       BusNodeKind
	Parent     string // "" if root
	Children   []string
}

// AcceleratorInfo describes one discovered accelerator.
type AcceleratorInfo struct {
	DeviceID   string
	BusAddress string
	NUMANode   int
	BusPath    []string // root -> leaf
}

// discoveryTimeout bounds the one-shot startup calls to the bus-topology
// and hardware-locality listing tools. Discovery itself never fails
// fatally: a timeout just triggers the synthetic fallback topology.
const discoveryTimeout = 15 * time.Second

// Model is the discovered, immutable-after-discovery topology.
type Model struct {
	runner executor.CommandRunner

	busNodes     map[string]*BusNode
	accelerators map[string]*AcceleratorInfo
}

// New returns a Model that will shell out via runner during Discover.
func New(runner executor.CommandRunner) *Model {
	return &Model{
		runner:       runner,
		busNodes:     map[string]*BusNode{},
		accelerators: map[string]*AcceleratorInfo{},
	}
}

// Discover parses the bus-topology and hardware-locality listings into an
// accelerator inventory. It never returns an error: any failure of the
// external tools degrades to a synthetic two-accelerator, two-NUMA-node
// topology so the rest of the controller always has something to work
// with.
func (m *Model) Discover(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	busOut, busErr := m.runner.Run(ctx, "lspci", "-vt")
	if busErr != nil {
		log.Printf("[topology] bus-topology listing unavailable: %v", busErr)
	} else {
		m.parseBusTree(string(busOut))
	}

	numaOut, numaErr := m.runner.Run(ctx, "lstopo-no-graphics", "--of", "console")
	var numaByBus map[string]int
	if numaErr != nil {
		log.Printf("[topology] hardware-locality listing unavailable: %v", numaErr)
	} else {
		numaByBus = parseHWLoc(string(numaOut))
	}

	m.buildAccelerators(numaByBus)

	if busErr != nil || numaErr != nil || len(m.accelerators) == 0 {
		m.accelerators = map[string]*AcceleratorInfo{}
		m.createFallbackTopology()
	}

	log.Printf("[topology] discovered %d accelerators", len(m.accelerators))
}

var busAddrRe = regexp.MustCompile(`([0-9a-f]{2,4}:)?[0-9a-f]{2}:[0-9a-f]{2}\.[0-9a-f]`)

func classifyLine(line string) BusNodeKind {
	switch {
	case strings.Contains(line, "VGA compatible controller"), strings.Contains(line, "3D controller"):
		return BusNodeGPU
	case strings.Contains(line, "PCI bridge"):
		return BusNodeBridge
	case strings.Contains(line, "Root Port"):
		return BusNodeRoot
	default:
		return BusNodeOther
	}
}

// parseBusTree builds the bus hierarchy from a bus-topology listing
// (lspci -vt shaped): two-space indentation per depth, parent resolved by
// walking back to the nearest preceding line at a lower indent.
func (m *Model) parseBusTree(output string) {
	type frame struct {
		indent int
		addr   string
	}
	var stack []frame

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := (len(line) - len(strings.TrimLeft(line, " "))) / 2

		addr := busAddrRe.FindString(line)
		if addr == "" {
			continue
		}

		for len(stack) > 0 && stack[len(stack)-1].indent >= indent {
			stack = stack[:len(stack)-1]
		}

		var parent string
		if len(stack) > 0 {
			parent = stack[len(stack)-1].addr
		}

		node := &BusNode{
			BusAddress: addr,
			Kind:       classifyLine(line),
			Parent:     parent,
		}
		m.busNodes[addr] = node
		if parent != "" {
			if p, ok := m.busNodes[parent]; ok {
				p.Children = append(p.Children, addr)
			}
		}

		stack = append(stack, frame{indent: indent, addr: addr})
	}
}

var numaHeaderRe = regexp.MustCompile(`NUMANode.*?#(\d+)`)

// parseHWLoc extracts a bus_address -> numa_node_id mapping from a
// hardware-locality listing. The current NUMA header applies to each
// subsequent bus address until the next header.
func parseHWLoc(output string) map[string]int {
	result := map[string]int{}
	current := 0

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if m := numaHeaderRe.FindStringSubmatch(line); m != nil {
			fmt.Sscanf(m[1], "%d", &current)
			continue
		}

		if addr := busAddrRe.FindString(line); addr != "" {
			result[addr] = current
		}
	}
	return result
}

func (m *Model) buildAccelerators(numaByBus map[string]int) {
	count := 0
	for addr, node := range m.busNodes {
		if node.Kind != BusNodeGPU {
			continue
		}
		numa := numaByBus[addr]
		id := fmt.Sprintf("GPU-%08d-mock-uuid", count)
		m.accelerators[id] = &AcceleratorInfo{
			DeviceID:   id,
			BusAddress: addr,
			NUMANode:   numa,
			BusPath:    m.busPath(addr),
		}
		count++
	}
}

// busPath returns the root-to-leaf chain of bus addresses for addr.
func (m *Model) busPath(addr string) []string {
	var path []string
	visited := map[string]bool{}
	current := addr
	for current != "" && !visited[current] {
		visited[current] = true
		path = append(path, current)
		node, ok := m.busNodes[current]
		if !ok {
			break
		}
		current = node.Parent
	}
	// reverse to root -> leaf
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// createFallbackTopology synthesizes a deterministic two-accelerator,
// two-NUMA-node topology for hosts where neither discovery tool is
// available. This keeps dev hosts and tests deterministic.
func (m *Model) createFallbackTopology() {
	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("GPU-%08d-mock-uuid", i)
		addr := fmt.Sprintf("00:0%d.0", i+1)
		m.accelerators[id] = &AcceleratorInfo{
			DeviceID:   id,
			BusAddress: addr,
			NUMANode:   i % 2,
			BusPath:    []string{addr},
		}
	}
	log.Printf("[topology] using fallback topology (2 accelerators, 2 NUMA nodes)")
}

// ListDevices returns every discovered accelerator's id.
func (m *Model) ListDevices() []string {
	ids := make([]string, 0, len(m.accelerators))
	for id := range m.accelerators {
		ids = append(ids, id)
	}
	return ids
}

// DeviceInfo returns the AcceleratorInfo for id, or false if unknown.
func (m *Model) DeviceInfo(id string) (AcceleratorInfo, bool) {
	info, ok := m.accelerators[id]
	if !ok {
		return AcceleratorInfo{}, false
	}
	return *info, true
}

// AffinityPenalty scores how poorly-placed two accelerators are relative to
// each other: 0 for identical devices, +Inf for unknown devices, otherwise
// a NUMA-crossing penalty plus a bus-distance penalty proportional to how
// little of their root-to-leaf bus path they share.
func (m *Model) AffinityPenalty(a, b string, numaWeight, busWeight float64) float64 {
	if a == b {
		if _, ok := m.accelerators[a]; ok {
			return 0
		}
	}

	da, ok1 := m.accelerators[a]
	db, ok2 := m.accelerators[b]
	if !ok1 || !ok2 {
		log.Printf("[topology] affinity penalty requested for unknown device(s): %s, %s", a, b)
		return math.Inf(1)
	}

	var penalty float64
	if da.NUMANode != db.NUMANode {
		penalty += numaWeight
	}

	common := commonPrefixLen(da.BusPath, db.BusPath)
	maxLen := len(da.BusPath)
	if len(db.BusPath) > maxLen {
		maxLen = len(db.BusPath)
	}
	if maxLen > 0 {
		penalty += busWeight * (1.0 - float64(common)/float64(maxLen))
	}
	return penalty
}

func commonPrefixLen(a, b []string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
