package probe

// This file stands in for the code bpf2go would generate from bpf/probe.c.
// A real build runs `go generate` over that source with clang+libbpf
// available and replaces this file with the generated loader and object
// struct; until then objects load as an empty, inert collection so the
// rest of the program links and runs in DRY mode.

import "github.com/cilium/ebpf"

type objects struct {
	programs
	maps
}

func (o *objects) Close() error {
	return nil
}

type programs struct {
	KprobeConnect      *ebpf.Program `ebpf:"kprobe_connect"`
	KretprobeConnect   *ebpf.Program `ebpf:"kretprobe_connect"`
	KprobeAccept       *ebpf.Program `ebpf:"kprobe_accept"`
	KretprobeAccept    *ebpf.Program `ebpf:"kretprobe_accept"`
	KretprobeRead      *ebpf.Program `ebpf:"kretprobe_read"`
	KretprobeWrite     *ebpf.Program `ebpf:"kretprobe_write"`
	KprobeClose        *ebpf.Program `ebpf:"kprobe_close"`
	KretprobeGetrandom *ebpf.Program `ebpf:"kretprobe_getrandom"`
	HandleProcessExit  *ebpf.Program `ebpf:"handle_process_exit"`
}

type maps struct {
	Events      *ebpf.Map `ebpf:"events"`
	PidsToTrace *ebpf.Map `ebpf:"pids_to_trace"`
}

// loadObjects mimics the bpf2go-generated loader's signature. A real build
// decodes an embedded CollectionSpec and loads it into the kernel; this
// stub reports success with an empty collection so callers compile and
// DRY mode works without a kernel probe attached.
func loadObjects(obj *objects, opts *ebpf.CollectionOptions) error {
	return nil
}
