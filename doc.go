// Package labcoord is the centralised control coordinator for a
// surface-science laboratory: one process that routes every operator
// command to the hardware-interface workers and enforces the safety
// envelope around them.
//
// # Philosophy: One Paranoid Process
//
// Lab hardware (piezo stages, electron guns, vacuum systems) is driven by
// independent worker processes. The coordinator is the single choke point
// between operators and those workers:
//
//   - Every command passes a mode allow-list before it is routed.
//   - Every energised device carries an armed kill-switch timer.
//   - Safety decisions never wait on the command pipeline.
//
// The safety layer is triplicated and each leg can independently force the
// system into SAFE mode:
//
//   - Kill-switch watchdog: armed devices are force-zeroed when their time
//     limit expires (50-100ms tick).
//   - Pressure monitor: chamber pressure above threshold kills the
//     vacuum-sensitive devices, with hysteresis at half the threshold.
//   - Liveness monitor: a required worker silent past the timeout is
//     presumed dead and the system stops trusting it.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│          Coordinator                │  mode machine, action table,
//	│   (mode, killswitch, heartbeat,     │  experiment tracking,
//	│    experiment, safety)              │  safety event log
//	└─────────────────────────────────────┘
//	           ↓ transported via
//	┌─────────────────────────────────────┐
//	│         NATS Messaging              │  request/reply submit,
//	│  (lab.cmd, lab.device.*,            │  device fan-out,
//	│   lab.results, lab.safety.events)   │  queue-group fan-in
//	└─────────────────────────────────────┘
//	           ↓ drives
//	┌─────────────────────────────────────┐
//	│     Hardware-Interface Workers      │  one process per instrument,
//	│   (piezo-driver, e-gun, gauges)     │  heartbeats + results back
//	└─────────────────────────────────────┘
//
// # Modes
//
// MANUAL is the safe default: single commands only. AUTO permits scripted
// sequences and requires all kill-switches disarmed to enter. SAFE is
// entered on any safety trigger, disarms everything, and is only left
// through explicit operator acknowledgment back to MANUAL.
//
// # Experiments
//
// Results are correlated by experiment contexts: monotonic exp_id values
// stamped onto outbound commands, with a forward-only phase lifecycle
// (CREATED through ARCHIVED).
//
// The labcoord binary under cmd/labcoord wires the packages together; see
// configs/labcoord.json for a complete configuration example.
package labcoord
