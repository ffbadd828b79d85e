// Package probe attaches the kernel-side capture programs described in
// bpf/probe.c to a target process and exposes the maps the rest of the
// pipeline needs: the event ring buffer and the pid trace filter.
package probe

import (
	"fmt"
	"log/slog"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
)

// Loader owns one attached collection of programs for a single target
// process tree.
type Loader struct {
	objs  objects
	links []link.Link
	filter *pidFilter
}

// Attach loads the probe objects and attaches every program named in
// bpf/probe.c to its kernel hook. iface is recorded for diagnostics only:
// capture happens at the syscall boundary, not by packet sniffing, so no
// interface is actually opened.
func Attach(iface string) (*Loader, error) {
	var objs objects
	if err := loadObjects(&objs, nil); err != nil {
		return nil, fmt.Errorf("probe: load objects: %w", err)
	}

	l := &Loader{objs: objs, filter: newPIDFilter(objs.PidsToTrace)}

	attachments := []struct {
		name string
		fn   func() (link.Link, error)
	}{
		{"kprobe/connect", func() (link.Link, error) { return link.Kprobe("__sys_connect", objs.KprobeConnect, nil) }},
		{"kretprobe/connect", func() (link.Link, error) { return link.Kretprobe("__sys_connect", objs.KretprobeConnect, nil) }},
		{"kprobe/accept", func() (link.Link, error) { return link.Kprobe("__sys_accept4", objs.KprobeAccept, nil) }},
		{"kretprobe/accept", func() (link.Link, error) { return link.Kretprobe("__sys_accept4", objs.KretprobeAccept, nil) }},
		{"kretprobe/read", func() (link.Link, error) { return link.Kretprobe("sys_read", objs.KretprobeRead, nil) }},
		{"kretprobe/write", func() (link.Link, error) { return link.Kretprobe("sys_write", objs.KretprobeWrite, nil) }},
		{"kprobe/close", func() (link.Link, error) { return link.Kprobe("sys_close", objs.KprobeClose, nil) }},
		{"kretprobe/getrandom", func() (link.Link, error) { return link.Kretprobe("sys_getrandom", objs.KretprobeGetrandom, nil) }},
		{"tracepoint/sched_process_exit", func() (link.Link, error) {
			return link.Tracepoint("sched", "sched_process_exit", objs.HandleProcessExit, nil)
		}},
	}

	for _, a := range attachments {
		lk, err := a.fn()
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("probe: attach %s: %w", a.name, err)
		}
		l.links = append(l.links, lk)
	}

	slog.Info("probe: attached", "interface", iface, "programs", len(l.links))
	return l, nil
}

// Trace starts forwarding pid's syscalls to the ring buffer.
func (l *Loader) Trace(pid uint32) error { return l.filter.Trace(pid) }

// Untrace stops forwarding pid's syscalls.
func (l *Loader) Untrace(pid uint32) error { return l.filter.Untrace(pid) }

// EventsMap exposes the ring buffer map for internal/ringbuf.NewReader.
func (l *Loader) EventsMap() *ebpf.Map { return l.objs.Events }

// Close detaches every program and releases the loaded objects, in
// reverse attach order.
func (l *Loader) Close() error {
	var firstErr error
	for i := len(l.links) - 1; i >= 0; i-- {
		if err := l.links[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := l.objs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
