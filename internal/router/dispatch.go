package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/internetarchive/dweb-transports-sub000/internal/logging"
	"github.com/internetarchive/dweb-transports-sub000/internal/metrics"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

const (
	strategyFailover = "failover"
	strategyFanout   = "fanout"
	strategyList     = "list"
	strategyStream   = "stream"
)

// attempt runs one operation on one candidate.
type attempt[T any] func(ctx context.Context, c Candidate) (T, error)

// failoverResult is the winning value plus the candidates that failed
// before it, in attempt order.
type failoverResult[T any] struct {
	value  T
	winner Candidate
	failed []Candidate
}

// failover tries candidates one at a time in order and returns the first
// success. A candidate is never started before the previous one has failed.
// Coding and capability errors end the loop at once; every other error is
// collected and the next candidate tried.
func failover[T any](ctx context.Context, op transport.Operation, cands []Candidate, timeout time.Duration, call attempt[T]) (failoverResult[T], error) {
	var res failoverResult[T]
	var failures []transport.Failure

	for _, c := range cands {
		v, err := runAttempt(ctx, op, c, timeout, call)
		metrics.RecordAttempt(c.Transport.Name(), string(op), err == nil)
		if err == nil {
			res.value = v
			res.winner = c
			return res, nil
		}
		if transport.IsFatal(err) {
			return res, err
		}

		logging.ForAttempt(ctx, c.Transport.Name(), string(op)).Debug("transport attempt failed",
			zap.String("url", c.URLString()),
			zap.Error(err),
		)
		failures = append(failures, transport.Failure{Transport: c.Transport.Name(), URL: c.URLString(), Err: err})
		res.failed = append(res.failed, c)

		if ctx.Err() != nil {
			return res, fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}

	agg := transport.NewAggregateError(op, failures)
	logging.WithContext(ctx).Warn("all transports failed",
		logging.Op(string(op)),
		zap.String("transports", agg.Transports()),
		zap.Error(agg),
	)
	return res, agg
}

// outcome is one fan-out result, aligned with its candidate.
type outcome[T any] struct {
	cand  Candidate
	value T
	err   error
}

// fanout runs every candidate concurrently and waits for all of them.
// It succeeds when at least one candidate did. A coding or capability error
// from any candidate is returned instead of the results.
func fanout[T any](ctx context.Context, op transport.Operation, cands []Candidate, call attempt[T]) ([]outcome[T], error) {
	results := make([]outcome[T], len(cands))

	var wg sync.WaitGroup
	for i, c := range cands {
		wg.Add(1)
		go func(i int, c Candidate) {
			defer wg.Done()
			v, err := runAttempt(ctx, op, c, 0, call)
			results[i] = outcome[T]{cand: c, value: v, err: err}
		}(i, c)
	}
	wg.Wait()

	var failures []transport.Failure
	succeeded := 0
	for _, o := range results {
		metrics.RecordAttempt(o.cand.Transport.Name(), string(op), o.err == nil)
		if o.err == nil {
			succeeded++
			continue
		}
		if transport.IsFatal(o.err) {
			return nil, o.err
		}
		logging.ForAttempt(ctx, o.cand.Transport.Name(), string(op)).Debug("transport attempt failed",
			zap.String("url", o.cand.URLString()),
			zap.Error(o.err),
		)
		failures = append(failures, transport.Failure{Transport: o.cand.Transport.Name(), URL: o.cand.URLString(), Err: o.err})
	}

	if succeeded == 0 {
		agg := transport.NewAggregateError(op, failures)
		logging.WithContext(ctx).Warn("all transports failed",
			logging.Op(string(op)),
			zap.String("transports", agg.Transports()),
			zap.Error(agg),
		)
		return results, agg
	}
	if len(failures) > 0 {
		logging.WithContext(ctx).Info("partial failure",
			logging.Op(string(op)),
			zap.Int("succeeded", succeeded),
			zap.Int("failed", len(failures)),
		)
	}
	return results, nil
}

// runAttempt applies the per-attempt timeout and turns panics and expired
// deadlines into ordinary errors.
func runAttempt[T any](ctx context.Context, op transport.Operation, c Candidate, timeout time.Duration, call attempt[T]) (v T, err error) {
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s panicked: %v", c.Transport.Name(), rec)
		}
	}()

	v, err = call(actx, c)
	if err != nil && timeout > 0 && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		err = &transport.TimeoutError{Transport: c.Transport.Name(), Operation: op, After: timeout, Err: err}
	}
	return v, err
}

// dedupSignatures concatenates lists in order and keeps the first entry for
// each signature.
func dedupSignatures(lists ...[]transport.Signature) []transport.Signature {
	seen := make(map[string]struct{})
	out := []transport.Signature{}
	for _, l := range lists {
		for _, s := range l {
			if _, ok := seen[s.Signature]; ok {
				continue
			}
			seen[s.Signature] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// orderForStream puts candidates of preferred transports first, in the given
// preference order, then the remaining candidates shuffled.
func orderForStream(cands []Candidate, preferred []string, shuffle func(n int, swap func(i, j int))) []Candidate {
	used := make([]bool, len(cands))
	out := make([]Candidate, 0, len(cands))
	for _, name := range preferred {
		for i, c := range cands {
			if !used[i] && c.Transport.Name() == name {
				used[i] = true
				out = append(out, c)
			}
		}
	}
	var rest []Candidate
	for i, c := range cands {
		if !used[i] {
			rest = append(rest, c)
		}
	}
	shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	return append(out, rest...)
}

// relay stores data into transports that failed to fetch it. It runs
// detached; the caller never sees its outcome. Stop waits for it.
func (r *Router) relay(data []byte, failed []Candidate) {
	r.relays.Add(1)
	go func() {
		defer r.relays.Done()
		if r.relayDone != nil {
			defer r.relayDone()
		}
		defer func() {
			if rec := recover(); rec != nil {
				logging.Error("relay repair panicked", zap.Any("panic", rec))
				metrics.RecordRelayRepair(false)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), r.relayTimeout)
		defer cancel()

		seen := make(map[transport.Transport]struct{})
		for _, c := range failed {
			t := c.Transport
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			if !t.ValidFor(nil, transport.OpStore, transport.SupportOptions{}) {
				continue
			}
			u, err := t.Store(ctx, data)
			metrics.RecordRelayRepair(err == nil)
			if err != nil {
				logging.Warn("relay repair failed",
					logging.Transport(t.Name()),
					zap.String("url", c.URLString()),
					zap.Error(err),
				)
				continue
			}
			logging.Debug("relay repair stored",
				logging.Transport(t.Name()),
				zap.String("url", u),
			)
		}
	}()
}
