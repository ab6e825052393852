// Package pitfeed ingests the Formula 1 live-timing feed, holds every message
// in a configurable delivery delay, and publishes normalized session state to
// NATS.
//
// # Architecture
//
// Messages flow through one pipeline per mode:
//
//	transport -> delay buffer -> session machine + normalizers -> sink
//
// The transport is either the live SignalR adapter or the archive replay
// adapter; exactly one pipeline exists at a time and switching modes rebuilds
// it from scratch so no state leaks between the wall clock and the virtual
// replay clock.
//
// The delay buffer releases messages once the pipeline clock passes arrival
// time plus the configured delay. The calibration protocol measures the real
// broadcast offset against a reference moment (session start, formation
// start, or a lap increment) and writes the measured delay back into the
// buffer.
//
// Package layout:
//
//   - transport: live SignalR and archive replay adapters
//   - delay: the holding buffer and the calibration protocol
//   - session: the session lifecycle state machine
//   - normalize: per-topic state normalizers and the dispatcher
//   - archive: session index, recording download/cache, formation probe
//   - sink: publication fan-out (NATS or in-process)
//   - engine: mode orchestration and the runtime control surface
//   - clock: wall-clock and virtual replay time sources
//
// The cmd/pitfeed binary wires configuration, logging, metrics and signal
// handling around the engine.
package pitfeed
