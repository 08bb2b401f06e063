// Package monitor polls a PKCS#11 provider for token insertion and
// removal, scans the tokens and publishes the results as ordered events.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11scan/inventory"
	"github.com/effective-security/p11scan/metricskey"
	"github.com/effective-security/p11scan/p11"
	"github.com/effective-security/p11scan/scanner"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11scan", "monitor")

// DefaultInterval is the default sleep between polls without events
const DefaultInterval = time.Second

var (
	// ErrNoToken is reported when a scan triggered by an insertion found no token
	ErrNoToken = errors.New("no token found")
	// ErrAlreadyStarted is returned by Start when called more than once
	ErrAlreadyStarted = errors.New("monitor already started")
)

// State of Monitor
type State int32

// States
const (
	StateInit State = iota
	StatePolling
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StatePolling:
		return "POLLING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// LoadFunc opens the provider for the lifetime of a monitor
type LoadFunc func() (p11.Module, error)

// StrategyFunc returns the scanner used on the loaded provider
type StrategyFunc func(p11.Ctx) scanner.TreeScanner

// Option configures Monitor
type Option func(*Monitor)

// WithInterval sets the sleep between polls without events
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithPIN sets the PIN used by scans
func WithPIN(pin string) Option {
	return func(m *Monitor) {
		m.pin = pin
	}
}

// Monitor owns one provider session and a single polling worker.
// Events must be drained by the consumer until the channel is closed.
type Monitor struct {
	id       string
	load     LoadFunc
	strategy StrategyFunc
	interval time.Duration
	pin      string

	state    atomic.Int32
	stopping atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	box      *mailbox

	lock    sync.Mutex
	started bool
	err     error
}

// New returns Monitor
func New(load LoadFunc, strategy StrategyFunc, opts ...Option) *Monitor {
	m := &Monitor{
		id:       uuid.NewString(),
		load:     load,
		strategy: strategy,
		interval: DefaultInterval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		box:      newMailbox(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns the unique ID of the monitor
func (m *Monitor) ID() string {
	return m.id
}

// State returns the current state
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Events returns the ordered event channel.
// The channel is closed after the monitor stopped or failed.
func (m *Monitor) Events() <-chan Event {
	return m.box.out
}

// Start loads the provider and starts polling.
// Cancellation of ctx stops the monitor.
func (m *Monitor) Start(ctx context.Context) error {
	m.lock.Lock()
	if m.started {
		m.lock.Unlock()
		return errors.WithStack(ErrAlreadyStarted)
	}
	m.started = true
	m.lock.Unlock()
	m.box.start()

	mod, err := m.load()
	if err != nil {
		err = errors.WithMessage(err, "failed to load module")
		m.fail(err)
		m.finish()
		return err
	}

	scan := m.strategy(mod)
	m.state.Store(int32(StatePolling))
	logger.KV(xlog.INFO, "status", "polling", "monitor", m.id, "module", mod.Path(), "interval", m.interval)

	go m.run(ctx, mod, scan)
	return nil
}

// Stop requests the worker to stop at the next tick boundary.
// A poll already inside a provider call is not interrupted.
func (m *Monitor) Stop() {
	m.stopping.Store(true)
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.lock.Lock()
	defer m.lock.Unlock()
	if !m.started {
		m.started = true
		m.state.Store(int32(StateStopped))
		m.finish()
	}
}

// Wait blocks until the monitor stopped or failed,
// and returns the fatal error if the monitor failed
func (m *Monitor) Wait() error {
	<-m.done
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.err
}

func (m *Monitor) finish() {
	m.box.close()
	close(m.done)
}

func (m *Monitor) fail(err error) {
	m.publish(Event{Kind: MonitorError, Err: err, Severity: Fatal})

	m.lock.Lock()
	m.err = err
	m.lock.Unlock()
	m.state.Store(int32(StateFailed))

	logger.KV(xlog.ERROR, "status", "failed", "monitor", m.id, "err", err.Error())
}

func (m *Monitor) run(ctx context.Context, mod p11.Module, scan scanner.TreeScanner) {
	defer m.finish()
	defer func() {
		if err := mod.Close(); err != nil {
			logger.KV(xlog.WARNING, "reason", "close", "monitor", m.id, "err", err.Error())
		}
	}()

	release := context.AfterFunc(ctx, m.Stop)
	defer release()

	for {
		if m.stopping.Load() || ctx.Err() != nil {
			m.state.Store(int32(StateStopped))
			logger.KV(xlog.INFO, "status", "stopped", "monitor", m.id)
			return
		}

		sleep, err := m.tick(ctx, mod, scan)
		if err != nil {
			m.fail(err)
			return
		}
		if sleep {
			m.sleep()
		}
	}
}

func (m *Monitor) sleep() {
	t := time.NewTimer(m.interval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-m.stopCh:
	}
}

// tick processes one slot event. It returns sleep when no event
// was processed, or a fatal error.
func (m *Monitor) tick(ctx context.Context, mod p11.Module, scan scanner.TreeScanner) (sleep bool, fatal error) {
	defer func() {
		if r := recover(); r != nil {
			sleep = false
			fatal = errors.Errorf("panic in monitor: %v", r)
		}
	}()

	slotID, err := mod.WaitSlotEvent(true)
	if err != nil {
		if p11.IsNoEvent(err) {
			return true, nil
		}
		return m.providerError(err)
	}

	si, err := inventory.ReadSlotInfo(mod, slotID)
	if err != nil {
		return m.providerError(err)
	}
	m.publish(Event{Kind: SlotEvent, Slot: si})
	logger.KV(xlog.DEBUG, "monitor", m.id, "slot", slotID, "token_present", si.TokenPresent)

	if !si.TokenPresent {
		return false, nil
	}

	tree, err := scan.ScanTree(ctx, m.pin)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		if tree == nil {
			return m.providerError(err)
		}
		m.publish(Event{Kind: MonitorError, Err: err, Severity: Recoverable})
	}

	res := scanner.NewResult(tree)
	if !res.HasData() {
		m.publish(Event{
			Kind:     MonitorError,
			Err:      errors.WithMessagef(ErrNoToken, "slot %d", slotID),
			Severity: Recoverable,
		})
		return false, nil
	}

	m.publish(Event{Kind: ScanCompleted, Result: res})
	return false, nil
}

// providerError reports provider errors as transient,
// and returns any other error as fatal
func (m *Monitor) providerError(err error) (bool, error) {
	if !p11.IsProviderError(err) {
		return false, err
	}
	logger.KV(xlog.WARNING, "reason", "provider", "monitor", m.id, "err", err.Error())
	m.publish(Event{Kind: MonitorError, Err: err, Severity: Transient})
	return true, nil
}

func (m *Monitor) publish(e Event) {
	e.Monitor = m.id
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if m.box.put(e) {
		metricskey.MonitorEvents.IncrCounter(1, e.Kind.String())
	}
}
