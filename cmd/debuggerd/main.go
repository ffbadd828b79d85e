// Command debuggerd is the root coordinator of the passive network
// debugger: it wires the kernel capture probe (C1/C2) through the event
// demultiplexer (C3) and protocol state machine (C4) into the message
// parser (C5), persists everything to the indexed store (C6), and serves
// it over the query API (C7) and an optional aggregator sink (C8).
// Startup, wiring order, and shutdown sequencing follow the teacher's
// cmd/probe/main.go bootstrap shape.
package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openmina/mina-network-debugger/internal/aggregator"
	"github.com/openmina/mina-network-debugger/internal/api"
	"github.com/openmina/mina-network-debugger/internal/config"
	"github.com/openmina/mina-network-debugger/internal/demux"
	"github.com/openmina/mina-network-debugger/internal/model"
	"github.com/openmina/mina-network-debugger/internal/parser"
	"github.com/openmina/mina-network-debugger/internal/probe"
	"github.com/openmina/mina-network-debugger/internal/protocol"
	"github.com/openmina/mina-network-debugger/internal/ringbuf"
	"github.com/openmina/mina-network-debugger/internal/store"
	"github.com/openmina/mina-network-debugger/internal/websocket"
)

// shutdownDeadline bounds how long the cancellation sequence (spec.md §5
// "(a)-(d)") is allowed to take before remaining work is abandoned.
const shutdownDeadline = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Get()
	if err := cfg.Validate(); err != nil {
		slog.Error("debuggerd: invalid configuration", "error", err)
		return 1
	}

	startedAt := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.Path, cfg.Store.BlobInlineMax)
	if err != nil {
		slog.Error("debuggerd: store open failed", "error", err)
		return 3
	}
	defer st.Close()

	streamer := websocket.NewMessageStreamer()
	go streamer.Run()
	st.SetLiveTail(streamer)

	randoms := probe.NewRandomnessStore(time.Duration(cfg.Noise.RandomnessWindowMs) * time.Millisecond)
	statics := probe.NewStaticKeyStore()

	engine := protocol.NewEngine(derivePSK(cfg.Chain()), statics, randoms, parser.NewDispatcher(st))
	handler := newEngineHandler(engine, st)
	registry := demux.NewRegistry(handler)

	var loader *probe.Loader
	rawEvents := make(chan model.RawEvent, 4096)

	if cfg.Dry {
		slog.Info("debuggerd: DRY set, running store-only (no kernel probe)")
	} else {
		loader, err = probe.Attach(cfg.Probe.FirewallInterface)
		if err != nil {
			slog.Error("debuggerd: kernel probe attach failed", "error", err)
			return 2
		}
		defer loader.Close()

		rd, err := ringbuf.NewReader(loader.EventsMap())
		if err != nil {
			slog.Error("debuggerd: kernel probe attach failed", "error", err)
			return 2
		}
		defer rd.Close()

		go rd.Start()
		go splitEvents(ctx, rd.Events(), rd.DataLoss(), rawEvents, st, statics, randoms, loader, cfg.Probe.Alias)
	}

	registryDone := make(chan struct{})
	go func() {
		defer close(registryDone)
		registry.Run(rawEvents)
	}()
	go flushCounters(ctx, engine, st, 2*time.Second)

	srv := api.NewServer(st, streamer, cfg.Name, startedAt, cfg.Server.HTTPSKeyPath, cfg.Server.HTTPSCertPath)
	httpServer := &http.Server{Addr: ":" + cfg.Server.Port, Handler: srv.Router()}
	go func() {
		var err error
		if cfg.TLSEnabled() {
			err = httpServer.ListenAndServeTLS(cfg.Server.HTTPSCertPath, cfg.Server.HTTPSKeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("debuggerd: http server stopped", "error", err)
		}
	}()

	agg := aggregator.New(st, cfg.Aggregator, cfg.Name)
	go agg.Run(ctx, 30*time.Second)

	if cfg.Test || cfg.Terminate {
		go terminateAfterFirstCapture(ctx, stop, st)
	}

	<-ctx.Done()
	slog.Info("debuggerd: shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("debuggerd: http server shutdown", "error", err)
	}
	// With the probe attached, splitEvents owns rawEvents and closes it on
	// cancellation; under DRY nothing else writes to or closes it.
	if cfg.Dry {
		close(rawEvents)
	}

	select {
	case <-registryDone:
	case <-shutdownCtx.Done():
		slog.Warn("debuggerd: timed out waiting for connection drain, closing store anyway")
	}

	slog.Info("debuggerd: shutdown complete")
	return 0
}

// splitEvents separates getrandom() samples (consumed directly by the
// randomness/static-key stores, never by a connection actor) and exec
// records (matched against BPF_ALIAS to discover the target pid) from
// everything else, which is forwarded unchanged to the demultiplexer.
// Data-loss markers are persisted here and also re-encoded as a synthetic
// EventOverflow record fed into the same output channel, so the affected
// connection's own actor goroutine (internal/demux) observes the gap and
// desyncs only the direction it hit, exactly like any other routed event
// (spec.md §4.4 "Gap handling").
func splitEvents(ctx context.Context, in <-chan model.RawEvent, dataLoss <-chan model.DataLossMarker, out chan<- model.RawEvent, st *store.Store, statics *probe.StaticKeyStore, randoms *probe.RandomnessStore, loader *probe.Loader, alias string) {
	defer close(out)
	for in != nil || dataLoss != nil {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			switch ev.Kind {
			case model.EventRandom:
				if !statics.Claim(ev.PID, ev.Payload) {
					randoms.Observe(ev)
				}
			case model.EventExec:
				if alias != "" && string(ev.Payload) == alias {
					if err := loader.Trace(ev.PID); err != nil {
						slog.Warn("debuggerd: trace target pid failed", "pid", ev.PID, "error", err)
					} else {
						slog.Info("debuggerd: tracing target", "pid", ev.PID, "alias", alias)
					}
				}
			default:
				out <- ev
			}

		case m, ok := <-dataLoss:
			if !ok {
				dataLoss = nil
				continue
			}
			if err := st.RecordDataLoss(m); err != nil {
				slog.Warn("debuggerd: record data loss marker failed", "error", err)
			}
			out <- overflowEvent(m)
		}
	}
}

// overflowEvent re-encodes a data-loss marker as a RawEvent routable by
// (pid, fd) through the normal demux path. A single-byte payload names the
// specific direction that was dropped; an empty payload (m.Both) leaves
// both directions to be marked desynced by the protocol engine.
func overflowEvent(m model.DataLossMarker) model.RawEvent {
	ev := model.RawEvent{
		Kind:      model.EventOverflow,
		Timestamp: uint64(m.At.UnixNano()),
		PID:       m.PID,
		FD:        m.FD,
		Seq:       m.DroppedSeq,
	}
	if !m.Both {
		ev.Payload = []byte{byte(m.Direction)}
	}
	return ev
}

// flushCounters periodically applies the protocol engine's in-memory byte
// counters to the store, the one place spec.md §3 permits a persisted
// record to be mutated after its first write.
func flushCounters(ctx context.Context, engine *protocol.Engine, st *store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for connID, counters := range engine.Snapshot() {
				if err := st.UpdateCounters(connID, counters); err != nil {
					slog.Warn("debuggerd: flush counters failed", "connection_id", connID, "error", err)
				}
			}
		}
	}
}

// terminateAfterFirstCapture implements the TEST/TERMINATE env toggles
// (spec.md §6 "exit after one successful capture"): once the store has
// persisted at least one message, it cancels the root context.
func terminateAfterFirstCapture(ctx context.Context, stop context.CancelFunc, st *store.Store) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := st.Summary(1)
			if err != nil {
				continue
			}
			if summary.MessageCount > 0 {
				slog.Info("debuggerd: TEST/TERMINATE capture complete, shutting down")
				stop()
				return
			}
		}
	}
}

// derivePSK turns the configured chain identifier into the 32-byte
// pre-shared key the pnet layer is keyed by: the SHA-256 of a fixed prefix
// plus the chain name. No swarm.key file is read.
func derivePSK(chain string) [32]byte {
	return sha256.Sum256([]byte(fmt.Sprintf("mina-network-debugger/pnet/%s", chain)))
}
