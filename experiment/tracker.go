// Package experiment allocates correlation identifiers and tracks the
// lifecycle of each logical experiment. Every outbound command is stamped
// with the active exp_id so inbound results can be correlated back.
package experiment

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/errors"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/pkg/timestamp"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/wire"
)

// Phase is a stage in an experiment's forward-only lifecycle.
type Phase int

const (
	PhaseCreated Phase = iota
	PhasePreparing
	PhaseRunning
	PhaseAnalyzing
	PhaseComplete
	PhaseArchived
)

var phaseNames = map[Phase]string{
	PhaseCreated:   "CREATED",
	PhasePreparing: "PREPARING",
	PhaseRunning:   "RUNNING",
	PhaseAnalyzing: "ANALYZING",
	PhaseComplete:  "COMPLETE",
	PhaseArchived:  "ARCHIVED",
}

// String returns the wire representation of the phase.
func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParsePhase converts a wire phase string to a Phase.
func ParsePhase(s string) (Phase, error) {
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return 0, errors.WrapInvalid(
		fmt.Errorf("%w: unknown phase %q", errors.ErrInvalidPhaseTransition, s),
		"experiment", "ParsePhase", "parse phase")
}

// Context is one logical experiment. Created once, mutated only by
// sequential phase transitions, never deleted.
type Context struct {
	ExpID      string         `json:"exp_id"`
	CreatedAt  int64          `json:"created_at"`
	Phase      Phase          `json:"phase"`
	Parameters map[string]any `json:"parameters"`
	Results    []wire.Result  `json:"results"`
}

// Tracker owns the append-only experiment registry. exp_id issuance is
// strictly monotonic: a global counter prefixes every id, the uuid suffix
// only guards against collisions across coordinator restarts.
type Tracker struct {
	mu       sync.Mutex
	counter  uint64
	registry map[string]*Context
	order    []string
	active   string

	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTracker creates an empty Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		registry: make(map[string]*Context),
		logger:   slog.Default().With("component", "experiment"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create allocates a new experiment context and makes it the active one.
func (t *Tracker) Create(parameters map[string]any) *Context {
	suffix := strings.Split(uuid.NewString(), "-")[0]

	t.mu.Lock()
	t.counter++
	id := fmt.Sprintf("exp-%06d-%s", t.counter, suffix)
	params := make(map[string]any, len(parameters))
	for k, v := range parameters {
		params[k] = v
	}
	ctx := &Context{
		ExpID:      id,
		CreatedAt:  timestamp.Now(),
		Phase:      PhaseCreated,
		Parameters: params,
	}
	t.registry[id] = ctx
	t.order = append(t.order, id)
	t.active = id
	t.mu.Unlock()

	t.logger.Info("experiment created", "exp_id", id)
	return snapshot(ctx)
}

// Stamp assigns the active context's exp_id to the command if it does not
// already carry one. Commands are immutable, so a stamped copy is returned.
func (t *Tracker) Stamp(cmd wire.Command) wire.Command {
	if cmd.ExpID != "" {
		return cmd
	}
	t.mu.Lock()
	active := t.active
	t.mu.Unlock()
	if active == "" {
		return cmd
	}
	return cmd.WithExpID(active)
}

// Transition moves the experiment to the given phase. Phases are
// forward-only; moving backwards or repeating a phase is rejected.
func (t *Tracker) Transition(expID string, to Phase) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, ok := t.registry[expID]
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownContext, expID),
			"Tracker", "Transition", "look up experiment")
	}
	if to <= ctx.Phase {
		return errors.WrapRecoverable(
			fmt.Errorf("%w: %s -> %s", errors.ErrInvalidPhaseTransition, ctx.Phase, to),
			"Tracker", "Transition", "validate phase order")
	}

	from := ctx.Phase
	ctx.Phase = to
	if to >= PhaseArchived && t.active == expID {
		t.active = ""
	}
	t.logger.Info("experiment phase transition", "exp_id", expID, "from", from.String(), "to", to.String())
	return nil
}

// RecordResult appends a worker result to its experiment, keyed by the
// result's exp_id. Results without a known exp_id are dropped.
func (t *Tracker) RecordResult(res wire.Result) bool {
	if res.ExpID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, ok := t.registry[res.ExpID]
	if !ok {
		return false
	}
	ctx.Results = append(ctx.Results, res)
	return true
}

// Get returns a copy of the experiment context.
func (t *Tracker) Get(expID string) (*Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, ok := t.registry[expID]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownContext, expID),
			"Tracker", "Get", "look up experiment")
	}
	return snapshot(ctx), nil
}

// Active returns the exp_id currently stamped onto new commands, or "".
func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// IDs returns every issued exp_id in issuance order.
func (t *Tracker) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.order...)
}

// Archive marks a completed experiment archived. The registry entry stays.
func (t *Tracker) Archive(expID string) error {
	return t.Transition(expID, PhaseArchived)
}

// snapshot copies a context so callers cannot mutate registry state.
func snapshot(ctx *Context) *Context {
	cp := *ctx
	cp.Results = append([]wire.Result(nil), ctx.Results...)
	if ctx.Parameters != nil {
		cp.Parameters = make(map[string]any, len(ctx.Parameters))
		for k, v := range ctx.Parameters {
			cp.Parameters[k] = v
		}
	}
	return &cp
}

// Age reports how long ago the experiment was created.
func (c *Context) Age() time.Duration {
	return time.Since(timestamp.ToTime(c.CreatedAt))
}
