package probe

import (
	"fmt"

	"github.com/cilium/ebpf"
)

const pidTraced uint8 = 1

// pidFilter maintains the kernel-side pids_to_trace map: the set of pids
// the attached probes should emit ring events for. Pids are added one at
// a time through Trace; forks of a traced pid are not added.
type pidFilter struct {
	m *ebpf.Map
}

func newPIDFilter(m *ebpf.Map) *pidFilter {
	return &pidFilter{m: m}
}

// Trace adds pid to the kernel filter.
func (f *pidFilter) Trace(pid uint32) error {
	if err := f.m.Update(pid, pidTraced, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("probe: add pid %d to filter: %w", pid, err)
	}
	return nil
}

// Untrace removes pid from the kernel filter, e.g. once its exit event
// has been observed.
func (f *pidFilter) Untrace(pid uint32) error {
	if err := f.m.Delete(pid); err != nil {
		return fmt.Errorf("probe: remove pid %d from filter: %w", pid, err)
	}
	return nil
}
