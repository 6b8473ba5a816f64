package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antoniostano/lilith/internal/observability"
	"github.com/antoniostano/lilith/internal/prompt"
)

var errStopSequence = errors.New("stop sequence reached")

// Stream is one streaming turn. Fragments arrive in order on a bounded
// channel that is closed when the turn ends; Wait then reports the outcome.
type Stream struct {
	ID string

	fragments chan string
	done      chan struct{}
	cancel    context.CancelFunc
	cancelled atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once

	// sendMu orders enqueues against discard.
	sendMu    sync.Mutex
	discarded bool

	result TurnResult
	err    error
}

// Fragments is the ordered fragment channel. It is closed at end of stream.
func (s *Stream) Fragments() <-chan string { return s.fragments }

// Done is closed once the producer has exited and the result is final.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Cancel abandons the stream. Once it returns, fragments not yet received
// are gone and no more are enqueued; the turn is not persisted unless it had
// already completed.
func (s *Stream) Cancel() {
	s.cancelled.Store(true)
	s.stopOnce.Do(func() { close(s.stop) })
	s.cancel()
	s.discard()
}

// enqueue hands text to the consumer, blocking while the channel is full.
func (s *Stream) enqueue(ctx context.Context, text string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.discarded {
		return context.Canceled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.fragments <- text:
		return nil
	case <-s.stop:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// discard drops buffered fragments and refuses later ones.
func (s *Stream) discard() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.discarded = true
	for {
		select {
		case _, ok := <-s.fragments:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Wait blocks until the producer exits or ctx ends.
func (s *Stream) Wait(ctx context.Context) (TurnResult, error) {
	select {
	case <-s.done:
		return s.result, s.err
	case <-ctx.Done():
		return TurnResult{}, ctx.Err()
	}
}

// StartTurnStream begins a streaming turn. It returns once the user lock is
// held and the prompt is built; generation continues on a worker goroutine
// that keeps the lock until the turn is persisted or abandoned. Cancelling
// ctx cancels the stream.
func (p *Pipeline) StartTurnStream(ctx context.Context, userID, text string, req Request) (*Stream, error) {
	const mode = "stream"
	st, err := p.beginTurn(ctx, userID, text, req)
	if err != nil {
		p.metrics.ObserveTurn(mode, outcome(err))
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ID:        uuid.NewString(),
		fragments: make(chan string, p.cfg.StreamBuffer),
		done:      make(chan struct{}),
		cancel:    cancel,
		stop:      make(chan struct{}),
	}
	p.metrics.StreamStarted()
	go p.relay(streamCtx, s, st, req)
	return s, nil
}

func (p *Pipeline) relay(ctx context.Context, s *Stream, st *turnState, req Request) {
	const mode = "stream"
	defer close(s.done)
	defer p.metrics.StreamFinished()
	defer st.conv.Release()
	defer s.cancel()

	output, mismatch, err := p.produce(ctx, s, st, req)
	if err != nil {
		s.discard()
		close(s.fragments)
		p.abort(st)
		p.metrics.ObserveTurn(mode, outcome(err))
		if errors.Is(err, ErrStreamCancelled) {
			p.logger.Debug("stream cancelled", zap.String("user_id", st.conv.UserID), zap.String("stream_id", s.ID))
		} else {
			p.logger.Warn("stream generation failed", zap.String("user_id", st.conv.UserID), zap.String("stream_id", s.ID), zap.Error(err))
		}
		s.err = err
		return
	}
	close(s.fragments)
	s.result = p.finish(ctx, st, mode, output, mismatch, req)
}

// produce drives the backend and forwards stripped text. A stall longer than
// the fragment timeout or a run longer than the backend timeout cancels the
// backend call.
func (p *Pipeline) produce(ctx context.Context, s *Stream, st *turnState, req Request) (string, bool, error) {
	bctx, bcancel := context.WithTimeout(ctx, p.cfg.BackendTimeout)
	defer bcancel()

	var stalled atomic.Bool
	idle := time.AfterFunc(p.cfg.FragmentTimeout, func() {
		stalled.Store(true)
		bcancel()
	})
	defer idle.Stop()

	var (
		out       strings.Builder
		firstSent bool
		backendAt = time.Now()
		stripper  = prompt.NewStripper(st.prompt, req.Params.Stop)
	)
	send := func(ctx context.Context, text string) error {
		if text == "" {
			return nil
		}
		if err := s.enqueue(ctx, text); err != nil {
			return err
		}
		out.WriteString(text)
		p.metrics.ObserveFragment()
		if !firstSent {
			firstSent = true
			p.metrics.ObserveTurnStage(observability.StageFirstFragment, time.Since(st.started))
		}
		return nil
	}

	err := bounded(bctx, func() error {
		return p.backend.Stream(bctx, st.prompt, req.Params, func(fragment string) error {
			// The idle clock only runs while waiting on the backend, not while
			// the consumer applies backpressure.
			idle.Stop()
			if err := send(bctx, stripper.Push(fragment)); err != nil {
				return err
			}
			if stripper.Stopped() {
				return errStopSequence
			}
			idle.Reset(p.cfg.FragmentTimeout)
			return nil
		})
	})
	idle.Stop()
	p.metrics.ObserveGenerationLatency("stream", time.Since(backendAt))

	if err != nil && !errors.Is(err, errStopSequence) {
		switch {
		case s.cancelled.Load() || ctx.Err() != nil:
			return "", false, fmt.Errorf("%w: %w", ErrStreamCancelled, context.Cause(ctx))
		case stalled.Load():
			return "", false, fmt.Errorf("%w: %w: no fragment within %s", ErrGenerationFailed, ErrBackendTimeout, p.cfg.FragmentTimeout)
		default:
			return "", false, generationError(err)
		}
	}
	p.metrics.ObserveTurnStage(observability.StageBackendDone, time.Since(backendAt))

	tailCtx, tailCancel := context.WithTimeout(ctx, p.cfg.FragmentTimeout)
	defer tailCancel()
	if err := send(tailCtx, stripper.Flush()); err != nil {
		if ctx.Err() != nil {
			return "", false, fmt.Errorf("%w: %w", ErrStreamCancelled, context.Cause(ctx))
		}
		return "", false, fmt.Errorf("%w: %w: consumer stalled", ErrGenerationFailed, ErrBackendTimeout)
	}
	return out.String(), stripper.Mismatch(), nil
}
