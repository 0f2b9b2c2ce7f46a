package coordinator

import (
	"context"
	"fmt"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/errors"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/experiment"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/mode"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/safety"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/wire"
)

func invalidParam(method, detail string) wire.Reply {
	return wire.Failure(errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, detail),
		"Coordinator", method, "validate params"))
}

// handleSet fans a value write out to the target's worker. The mode is
// re-checked here so a SAFE entry racing an in-flight SET always wins.
func (c *Coordinator) handleSet(ctx context.Context, cmd wire.Command) wire.Reply {
	target, ok := cmd.StringParam("target")
	if !ok {
		return invalidParam("handleSet", "SET requires a target param")
	}

	if err := c.machine.CanExecute(cmd); err != nil {
		return wire.Failure(err)
	}

	if err := c.server.Broadcast(ctx, target, cmd); err != nil {
		return wire.Failure(err)
	}
	return wire.Success(cmd.ExpID, map[string]any{"target": target})
}

// handleGet serves status queries. The target param selects the surface.
func (c *Coordinator) handleGet(_ context.Context, cmd wire.Command) wire.Reply {
	target, ok := cmd.StringParam("target")
	if !ok {
		return invalidParam("handleGet", "GET requires a target param")
	}

	switch target {
	case "mode":
		return wire.Success(cmd.ExpID, map[string]any{"mode": c.machine.Current().String()})

	case "killswitch":
		if device, ok := cmd.StringParam("device"); ok {
			st, err := c.guard.Status(device)
			if err != nil {
				return wire.Failure(err)
			}
			return wire.Success(cmd.ExpID, map[string]any{"device": device, "status": st})
		}
		return wire.Success(cmd.ExpID, map[string]any{"devices": c.guard.StatusAll()})

	case "workers":
		return wire.Success(cmd.ExpID, map[string]any{"workers": c.monitor.Snapshot()})

	case "experiment":
		expID := cmd.ExpID
		if id, ok := cmd.StringParam("exp_id"); ok {
			expID = id
		}
		expCtx, err := c.tracker.Get(expID)
		if err != nil {
			return wire.Failure(err)
		}
		return wire.Success(cmd.ExpID, map[string]any{"experiment": expCtx})

	case "experiments":
		return wire.Success(cmd.ExpID, map[string]any{
			"exp_ids": c.tracker.IDs(),
			"active":  c.tracker.Active(),
		})

	case "safety":
		return wire.Success(cmd.ExpID, map[string]any{"events": c.log.Events()})

	default:
		return invalidParam("handleGet", fmt.Sprintf("unknown status target %q", target))
	}
}

// handleStop is the operator "STOP NOW" affordance: SAFE entry plus a
// disarm of everything, regardless of current mode.
func (c *Coordinator) handleStop(_ context.Context, cmd wire.Command) wire.Reply {
	if err := c.machine.Transition(mode.Safe, safety.ReasonOperatorStop); err != nil {
		return wire.Failure(err)
	}
	return wire.Success(cmd.ExpID, map[string]any{"mode": mode.Safe.String()})
}

// handleMode changes the operating mode. Leaving SAFE requires the
// explicit acknowledgment path.
func (c *Coordinator) handleMode(_ context.Context, cmd wire.Command) wire.Reply {
	name, ok := cmd.StringParam("mode")
	if !ok {
		return invalidParam("handleMode", "MODE requires a mode param")
	}
	to, err := mode.Parse(name)
	if err != nil {
		return wire.Failure(err)
	}

	if c.machine.Current() == mode.Safe && to == mode.Manual {
		if err := c.machine.AcknowledgeSafe(cmd.Source); err != nil {
			return wire.Failure(err)
		}
	} else if err := c.machine.Transition(to, "operator request from "+cmd.Source); err != nil {
		return wire.Failure(err)
	}
	return wire.Success(cmd.ExpID, map[string]any{"mode": c.machine.Current().String()})
}

// handleStartSequence hands control to the automation sequencer: AUTO mode
// required, active experiment moved to RUNNING, sequence fanned out.
func (c *Coordinator) handleStartSequence(ctx context.Context, cmd wire.Command) wire.Reply {
	if c.machine.Current() != mode.Auto {
		return wire.Failure(errors.WrapRecoverable(
			fmt.Errorf("%w: START_SEQUENCE requires AUTO mode", errors.ErrInvalidModeTransition),
			"Coordinator", "handleStartSequence", "check mode"))
	}

	if cmd.ExpID != "" {
		// Best effort: a sequence started on an already-running experiment
		// should not fail the dispatch.
		if err := c.tracker.Transition(cmd.ExpID, experiment.PhaseRunning); err != nil {
			c.logger.Warn("sequence start without phase advance", "exp_id", cmd.ExpID, "error", err)
		}
	}

	if err := c.server.Broadcast(ctx, "sequencer", cmd); err != nil {
		return wire.Failure(err)
	}
	return wire.Success(cmd.ExpID, map[string]any{"started": true})
}

// handleTriggerKill is the wire-level kill trigger, used by operator
// tooling and by the other supervising layers.
func (c *Coordinator) handleTriggerKill(ctx context.Context, cmd wire.Command) wire.Reply {
	device, ok := cmd.StringParam("device")
	if !ok {
		return invalidParam("handleTriggerKill", "TRIGGER_KILL requires a device param")
	}
	reason, ok := cmd.StringParam("reason")
	if !ok {
		reason = safety.ReasonKillTrigger
	}

	if err := c.guard.Trigger(ctx, device, reason); err != nil {
		return wire.Failure(err)
	}
	return wire.Success(cmd.ExpID, map[string]any{"device": device, "killed": true})
}

// handleArm starts a protected device's kill-switch timer.
func (c *Coordinator) handleArm(_ context.Context, cmd wire.Command) wire.Reply {
	device, ok := cmd.StringParam("device")
	if !ok {
		return invalidParam("handleArm", "ARM requires a device param")
	}
	if err := c.guard.Arm(device); err != nil {
		return wire.Failure(err)
	}
	st, err := c.guard.Status(device)
	if err != nil {
		return wire.Failure(err)
	}
	return wire.Success(cmd.ExpID, map[string]any{"device": device, "status": st})
}

// handleDisarm clears a protected device's timer.
func (c *Coordinator) handleDisarm(_ context.Context, cmd wire.Command) wire.Reply {
	device, ok := cmd.StringParam("device")
	if !ok {
		return invalidParam("handleDisarm", "DISARM requires a device param")
	}
	if err := c.guard.Disarm(device); err != nil {
		return wire.Failure(err)
	}
	return wire.Success(cmd.ExpID, map[string]any{"device": device, "armed": false})
}

// handleCreateExperiment allocates a new experiment context and makes it
// the active stamping target.
func (c *Coordinator) handleCreateExperiment(_ context.Context, cmd wire.Command) wire.Reply {
	expCtx := c.tracker.Create(cmd.Params)
	return wire.Success(expCtx.ExpID, map[string]any{
		"exp_id":     expCtx.ExpID,
		"created_at": expCtx.CreatedAt,
		"phase":      expCtx.Phase.String(),
	})
}

// handlePhase advances an experiment through its forward-only lifecycle.
func (c *Coordinator) handlePhase(_ context.Context, cmd wire.Command) wire.Reply {
	name, ok := cmd.StringParam("phase")
	if !ok {
		return invalidParam("handlePhase", "PHASE requires a phase param")
	}
	phase, err := experiment.ParsePhase(name)
	if err != nil {
		return wire.Failure(err)
	}

	expID := cmd.ExpID
	if id, ok := cmd.StringParam("exp_id"); ok {
		expID = id
	}
	if expID == "" {
		return invalidParam("handlePhase", "PHASE requires an exp_id")
	}

	if err := c.tracker.Transition(expID, phase); err != nil {
		return wire.Failure(err)
	}
	return wire.Success(expID, map[string]any{"exp_id": expID, "phase": phase.String()})
}
