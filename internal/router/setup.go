package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/internetarchive/dweb-transports-sub000/internal/logging"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

// ErrUnknownTransport is returned when a name matches no registered transport.
var ErrUnknownTransport = errors.New("unknown transport")

// LoadSpecs reads a JSON array of transport specs.
func LoadSpecs(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transports file: %w", err)
	}
	var specs []Spec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse transports file %s: %w", path, err)
	}
	return specs, nil
}

// Setup0 constructs and registers a transport for every spec. No transport
// does any I/O here; each is left Loaded.
func (r *Router) Setup0(specs []Spec) error {
	for _, spec := range specs {
		t, err := NewTransportFromConfig(spec)
		if err != nil {
			return fmt.Errorf("transport %q: %w", spec.Name, err)
		}
		r.Register(t)
	}
	return nil
}

// Setup1 runs the first connection phase of one transport. It moves through
// Starting to Connected or Failed and never reports an error or panics.
func (r *Router) Setup1(ctx context.Context, t transport.Transport) {
	t.SetStatus(transport.StatusStarting, false)
	if err := safeCall(func() error { return t.Connect(ctx) }); err != nil {
		logging.Warn("transport failed to connect",
			logging.Transport(t.Name()),
			zap.Error(err),
		)
		t.SetStatus(transport.StatusFailed, false)
		return
	}
	t.SetStatus(transport.StatusConnected, false)
	logging.Info("transport connected", logging.Transport(t.Name()))
}

// Setup2 runs the optional second phase. Only transports that reached
// Connected in phase one take part.
func (r *Router) Setup2(ctx context.Context, t transport.Transport) {
	c2, ok := t.(transport.Connector2)
	if !ok || t.Status() != transport.StatusConnected {
		return
	}
	if err := safeCall(func() error { return c2.Connect2(ctx) }); err != nil {
		logging.Warn("transport failed second setup phase",
			logging.Transport(t.Name()),
			zap.Error(err),
		)
		t.SetStatus(transport.StatusFailed, false)
	}
}

// Connect runs phase one on every transport not in the paused set, waits for
// all of them, then runs phase two. Paused transports stay Loaded until
// TogglePause.
func (r *Router) Connect(ctx context.Context) {
	var active []transport.Transport
	for _, t := range r.registry.All() {
		if r.registry.IsPaused(t.Name()) {
			logging.Info("transport paused at startup", logging.Transport(t.Name()))
			continue
		}
		active = append(active, t)
	}

	var phase1 errgroup.Group
	for _, t := range active {
		phase1.Go(func() error {
			r.Setup1(ctx, t)
			return nil
		})
	}
	phase1.Wait()

	var phase2 errgroup.Group
	for _, t := range active {
		phase2.Go(func() error {
			r.Setup2(ctx, t)
			return nil
		})
	}
	phase2.Wait()

	connected := 0
	for _, t := range active {
		if t.Status() == transport.StatusConnected {
			connected++
		}
	}
	logging.Info("transports ready",
		zap.Int("connected", connected),
		zap.Int("started", len(active)),
		zap.Int("registered", r.registry.Len()),
	)
}

// TogglePause flips a transport between Connected and Paused. A Loaded
// transport is set up instead. Failed and Starting transports are left alone.
// It returns the resulting status.
func (r *Router) TogglePause(ctx context.Context, name string) (transport.Status, error) {
	r.toggleMu.Lock()
	defer r.toggleMu.Unlock()

	t, ok := r.registry.Get(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTransport, name)
	}

	switch t.Status() {
	case transport.StatusConnected:
		t.SetStatus(transport.StatusPaused, false)
	case transport.StatusPaused:
		if res, ok := t.(transport.Resumer); ok {
			t.SetStatus(transport.StatusStarting, false)
			if err := safeCall(func() error { return res.Resume(ctx) }); err != nil {
				logging.Warn("transport failed to resume",
					logging.Transport(name),
					zap.Error(err),
				)
				t.SetStatus(transport.StatusFailed, false)
				break
			}
		}
		t.SetStatus(transport.StatusConnected, false)
	case transport.StatusLoaded:
		r.registry.unpause(name)
		r.Setup1(ctx, t)
		r.Setup2(ctx, t)
	}
	return t.Status(), nil
}

// Stop lets running relay repairs finish, bounded by ctx, then tears every
// transport down, marks it Failed and empties the registry. Teardown errors
// are combined and returned after all transports were stopped.
func (r *Router) Stop(ctx context.Context) error {
	r.waitRelays(ctx)

	var errs error
	for _, t := range r.registry.Clear() {
		if d, ok := t.(transport.Disconnecter); ok {
			if err := safeCall(func() error { return d.Disconnect(ctx) }); err != nil {
				logging.Warn("transport teardown failed",
					logging.Transport(t.Name()),
					zap.Error(err),
				)
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			}
		}
		t.SetStatus(transport.StatusFailed, true)
	}
	return errs
}

func (r *Router) waitRelays(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.relays.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Warn("stopping with relay repairs still running", zap.Error(ctx.Err()))
	}
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}
