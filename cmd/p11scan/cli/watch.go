package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/effective-security/p11scan/config"
	"github.com/effective-security/p11scan/internal/feed"
	"github.com/effective-security/p11scan/monitor"
	"github.com/effective-security/p11scan/p11"
	"github.com/effective-security/p11scan/x/ctl"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
)

// WatchCmd prints monitor events, one JSON document per line
type WatchCmd struct {
	ScanFlags

	Interval time.Duration `help:"Poll interval, overrides refresh_interval of the config"`
	Count    int           `help:"Stop after the number of completed scans, 0 to watch until interrupted"`
}

// Run the command
func (a *WatchCmd) Run(ctx *Cli) error {
	cfg, plan, err := a.plan(ctx)
	if err != nil {
		return err
	}

	sctx, cancel := signal.NotifyContext(ctx.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := newMonitor(ctx, cfg, plan, a.Interval)
	if err = m.Start(sctx); err != nil {
		return err
	}

	completed := 0
	for e := range m.Events() {
		if err := ctl.WriteJSONLine(ctx.Writer(), e); err != nil {
			logger.KV(xlog.ERROR, "reason", "write", "err", err)
			m.Stop()
		}
		if e.Kind == monitor.ScanCompleted {
			completed++
			if a.Count > 0 && completed >= a.Count {
				m.Stop()
			}
		}
	}
	return m.Wait()
}

// ServeCmd streams monitor events to WebSocket clients
type ServeCmd struct {
	ScanFlags

	Listen   string        `help:"Address of the event feed, overrides listen of the config"`
	Interval time.Duration `help:"Poll interval, overrides refresh_interval of the config"`
}

// Run the command
func (a *ServeCmd) Run(ctx *Cli) error {
	cfg, plan, err := a.plan(ctx)
	if err != nil {
		return err
	}
	if a.Listen != "" {
		cfg.Listen = a.Listen
	}

	sctx, cancel := signal.NotifyContext(ctx.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hub := feed.NewHub()
	go hub.Run(sctx)

	m := newMonitor(ctx, cfg, plan, a.Interval)
	if err = m.Start(sctx); err != nil {
		return err
	}

	go func() {
		// the feed stops with the monitor
		defer cancel()
		for e := range m.Events() {
			retain := e.Kind == monitor.ScanCompleted
			if err := hub.Publish(sctx, e, retain); err != nil {
				logger.KV(xlog.DEBUG, "reason", "publish", "kind", e.Kind, "err", err)
			}
		}
	}()

	err = feed.Serve(sctx, cfg.ListenAddr(), hub)
	m.Stop()
	if werr := m.Wait(); err == nil {
		err = werr
	}
	return err
}

func newMonitor(ctx *Cli, cfg *config.Config, plan *scanPlan, interval time.Duration) *monitor.Monitor {
	// validated by plan
	d, _ := cfg.Interval()
	d = values.Select(interval > 0, interval, d)

	load := func() (p11.Module, error) {
		return ctx.LoadModule(cfg.ModulePath)
	}
	return monitor.New(load, plan.Scanner,
		monitor.WithInterval(d),
		monitor.WithPIN(cfg.Pin),
	)
}

