package main

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/zerodha/logf"
)

const defaultSweepSchedule = "@every 5m"

// cronLogger adapts logf to cron.Logger.
type cronLogger struct {
	lo *logf.Logger
}

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.lo.Debug("cron: "+msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.lo.Error("cron: "+msg, append(kv, "error", err)...)
}

type scheduler struct {
	*cron.Cron
}

// newScheduler registers the periodic sweep of expired OTPs.
func newScheduler(app *App, schedule string) (*scheduler, error) {
	if schedule == "" {
		schedule = defaultSweepSchedule
	}

	l := cronLogger{lo: app.lo}
	c := cron.New(cron.WithLogger(l), cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)))

	if _, err := c.AddFunc(schedule, func() { sweep(app) }); err != nil {
		return nil, err
	}
	app.lo.Info("scheduled sweeper", "schedule", schedule)

	return &scheduler{Cron: c}, nil
}

func sweep(app *App) {
	n, err := app.sweeper.PurgeExpired(context.Background(), app.clock.Now())
	if err != nil {
		app.lo.Error("error sweeping expired OTPs", "error", err)
		return
	}
	if n > 0 {
		app.lo.Info("swept expired OTPs", "deleted", n)
	}
}
