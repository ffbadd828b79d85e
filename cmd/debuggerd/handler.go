package main

import (
	"log/slog"
	"sync/atomic"

	"github.com/openmina/mina-network-debugger/internal/demux"
	"github.com/openmina/mina-network-debugger/internal/model"
	"github.com/openmina/mina-network-debugger/internal/protocol"
)

// ipcSink is the subset of *store.Store the IPC decode path needs.
type ipcSink interface {
	PutIPCEvent(ev model.IPCEvent) error
}

// engineHandler adapts *protocol.Engine to demux.Handler: connection
// lifecycle and per-connection bytes go straight to the protocol state
// machine, while the helper's stdio IPC channel is decoded here directly
// to the store, bypassing the wire-protocol stack entirely (spec.md §4.3).
type engineHandler struct {
	engine *protocol.Engine
	sink   ipcSink
	ipcSeq atomic.Uint64
}

var _ demux.Handler = (*engineHandler)(nil)

func newEngineHandler(engine *protocol.Engine, sink ipcSink) *engineHandler {
	return &engineHandler{engine: engine, sink: sink}
}

func (h *engineHandler) Opened(connID string, pid, fd uint32, incoming bool) {
	h.engine.Opened(connID, pid, fd, incoming)
}

func (h *engineHandler) Handle(connID string, ev model.RawEvent) {
	h.engine.Handle(connID, ev)
}

func (h *engineHandler) Closed(connID string) {
	h.engine.Closed(connID)
}

func (h *engineHandler) HandleIPC(ev model.RawEvent) {
	seq := h.ipcSeq.Add(1)
	ipcEv, ok := demux.DecodeIPC(seq, ev)
	if !ok {
		slog.Warn("debuggerd: malformed IPC record, dropping", "pid", ev.PID)
		return
	}
	if err := h.sink.PutIPCEvent(ipcEv); err != nil {
		slog.Warn("debuggerd: persist IPC event failed", "seq", seq, "error", err)
	}
}
