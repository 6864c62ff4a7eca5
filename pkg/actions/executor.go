package actions

import (
	"context"
	"time"

	"github.com/openfroyo/lampbox/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Action kinds used for reporting and metrics.
const (
	KindTemplate = "template"
	KindFile     = "file"
	KindExec     = "exec"
	KindPackage  = "package"
	KindService  = "service"
	KindApache   = "apache"
	KindMySQL    = "mysql"
	KindRsync    = "rsync"
	KindDBCopy   = "db_copy"
)

// Outcome is what a step reports about itself.
type Outcome struct {
	Changed bool
	Skipped bool
	Reason  string
}

// Changed is the outcome of a step that may or may not have acted.
func Changed(changed bool) Outcome {
	return Outcome{Changed: changed}
}

// Skip is the outcome of a step whose guard did not hold.
func Skip(reason string) Outcome {
	return Outcome{Skipped: true, Reason: reason}
}

// Step performs one action.
type Step func(ctx context.Context) (Outcome, error)

// Result is the record of one executed action.
type Result struct {
	Site       string        `json:"site,omitempty"`
	Name       string        `json:"name"`
	Kind       string        `json:"kind"`
	Changed    bool          `json:"changed"`
	Skipped    bool          `json:"skipped"`
	Reason     string        `json:"reason,omitempty"`
	BestEffort bool          `json:"best_effort,omitempty"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
}

// Status returns the metrics label for the result.
func (r Result) Status() string {
	switch {
	case r.Err != nil || r.Error != "":
		return telemetry.StatusFailed
	case r.Skipped:
		return telemetry.StatusSkipped
	case r.Changed:
		return telemetry.StatusChanged
	default:
		return telemetry.StatusUnchanged
	}
}

// Recorder runs steps with instrumentation and keeps their results.
type Recorder struct {
	results []Result

	// OnResult, when set, is called after every step.
	OnResult func(Result)
}

// Do runs step as the action name of the given kind and returns its error.
func (rec *Recorder) Do(ctx context.Context, site, name, kind string, step Step) error {
	res := rec.run(ctx, site, name, kind, false, step)
	return res.Err
}

// BestEffort runs step like Do but only logs a failure.
func (rec *Recorder) BestEffort(ctx context.Context, site, name, kind string, step Step) {
	rec.run(ctx, site, name, kind, true, step)
}

// Results returns the results recorded so far.
func (rec *Recorder) Results() []Result {
	return append([]Result(nil), rec.results...)
}

func (rec *Recorder) run(ctx context.Context, site, name, kind string, bestEffort bool, step Step) Result {
	ctx, scope := telemetry.StartAction(ctx, name, kind)
	started := time.Now()

	out, err := step(ctx)

	res := Result{
		Site:       site,
		Name:       name,
		Kind:       kind,
		Changed:    out.Changed && err == nil,
		Skipped:    out.Skipped,
		Reason:     out.Reason,
		BestEffort: bestEffort,
		Err:        err,
		StartedAt:  started,
	}
	if err != nil {
		res.Error = err.Error()
	}
	scope.SetAttributes(telemetry.AttrChanged.Bool(res.Changed))
	res.Duration = scope.End(res.Status(), err)

	level := zerolog.InfoLevel
	switch {
	case err != nil && bestEffort:
		level = zerolog.WarnLevel
	case err != nil:
		level = zerolog.ErrorLevel
	case !res.Changed:
		level = zerolog.DebugLevel
	}
	logger := scope.Logger.Zerolog()
	logger.WithLevel(level).
		Err(err).
		Str("kind", kind).
		Str("status", res.Status()).
		Str("reason", out.Reason).
		Dur("duration", res.Duration).
		Msg("action")

	if bestEffort {
		res.Err = nil
	}
	rec.results = append(rec.results, res)
	if rec.OnResult != nil {
		rec.OnResult(res)
	}
	return res
}
