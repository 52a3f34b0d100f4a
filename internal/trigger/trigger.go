package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cadence/backend/internal/dispatch"
	"github.com/MarcoPoloResearchLab/cadence/backend/internal/schedule"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultTimeout = 5 * time.Minute

var (
	errMissingRunner   = errors.New("trigger: runner is required")
	errMissingSchedule = errors.New("trigger: cron schedule is required")
)

// Runner executes one dispatch invocation.
type Runner interface {
	Run(ctx context.Context, date schedule.Date) (dispatch.Result, error)
	Today() schedule.Date
}

// Config configures the in-process daily trigger.
type Config struct {
	Schedule string
	Location *time.Location
	Timeout  time.Duration
	Runner   Runner
	Logger   *zap.Logger
}

// Trigger runs the dispatcher on a cron schedule. Overlapping runs are skipped.
type Trigger struct {
	cron    *cron.Cron
	runner  Runner
	timeout time.Duration
	logger  *zap.Logger
}

// New parses the schedule (five fields or a descriptor such as "@daily") and registers the job.
func New(cfg Config) (*Trigger, error) {
	if cfg.Runner == nil {
		return nil, errMissingRunner
	}
	expression := strings.TrimSpace(cfg.Schedule)
	if expression == "" {
		return nil, errMissingSchedule
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cronLogger := cronLogAdapter{logger: logger}
	trigger := &Trigger{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(location),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		runner:  cfg.Runner,
		timeout: timeout,
		logger:  logger,
	}
	if _, err := trigger.cron.AddFunc(expression, func() {
		_, _ = trigger.RunOnce(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("trigger: invalid schedule %q: %w", expression, err)
	}
	return trigger, nil
}

// Start begins firing in the background.
func (t *Trigger) Start() {
	t.cron.Start()
	t.logger.Info("dispatch trigger started")
}

// Stop prevents further runs and waits for a running one to finish or ctx to end.
func (t *Trigger) Stop(ctx context.Context) error {
	done := t.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce dispatches for today's UTC date under the configured timeout.
func (t *Trigger) RunOnce(ctx context.Context) (dispatch.Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	date := t.runner.Today()
	result, err := t.runner.Run(runCtx, date)
	if err != nil {
		t.logger.Error("scheduled dispatch failed", zap.String("date", date.String()), zap.Error(err))
		return dispatch.Result{}, err
	}
	return result, nil
}

type cronLogAdapter struct {
	logger *zap.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
