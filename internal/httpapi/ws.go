package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/lilith/internal/generation"
	"github.com/antoniostano/lilith/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsOutboundSize = 256
)

// wsTurn is the one streaming turn a connection may have in flight.
type wsTurn struct {
	id        string
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

func (t *wsTurn) stop() {
	t.cancelled.Store(true)
	t.cancel()
}

// handleStreamWS serves streaming turns over a websocket. A connection runs
// one turn at a time; a client_control cancel abandons it and no further
// deltas of that turn are written.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	if !s.trackStream() {
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}
	defer s.streams.Done()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer context.AfterFunc(s.base, cancel)()
	go func() {
		// Unblocks the read loop once the writer gives up.
		<-ctx.Done()
		_ = conn.Close()
	}()

	outbound := make(chan any, wsOutboundSize)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.logger.Debug("websocket write failed", zap.String("user_id", userID), zap.Error(err))
					cancel()
					return
				}
			}
		}
	}()

	var (
		mu      sync.Mutex
		current *wsTurn
		turns   sync.WaitGroup
	)
	push := func(msg any) {
		select {
		case outbound <- msg:
		case <-ctx.Done():
		}
	}

	push(protocol.SystemEvent{Type: protocol.TypeSystemEvent, UserID: userID, Code: "connected"})

	conn.SetReadLimit(maxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			push(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				UserID: userID,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			})
			continue
		}

		switch msg := parsed.(type) {
		case protocol.ClientControl:
			mu.Lock()
			if current != nil && (msg.TurnID == "" || msg.TurnID == current.id) {
				current.stop()
			}
			mu.Unlock()
		case protocol.UserTurn:
			req, err := buildRequest(s.pipeline.Defaults(), msg.UseContext, msg.Params)
			if err != nil {
				push(protocol.ErrorEvent{
					Type:   protocol.TypeErrorEvent,
					UserID: userID,
					Code:   "invalid_params",
					Source: "gateway",
					Detail: err.Error(),
				})
				continue
			}
			mu.Lock()
			if current != nil {
				busyID := current.id
				mu.Unlock()
				push(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					UserID:    userID,
					TurnID:    busyID,
					Code:      "turn_in_progress",
					Source:    "gateway",
					Retryable: true,
					Detail:    "wait for assistant_turn_end or cancel the running turn",
				})
				continue
			}
			turnCtx, turnCancel := context.WithCancel(ctx)
			turn := &wsTurn{id: uuid.NewString(), cancel: turnCancel}
			current = turn
			mu.Unlock()

			turns.Add(1)
			go func() {
				defer turns.Done()
				tail := s.runStreamTurn(turnCtx, userID, msg.Text, req, turn, push)
				turnCancel()
				// The slot is free before the client sees the turn end.
				mu.Lock()
				current = nil
				mu.Unlock()
				for _, m := range tail {
					push(m)
				}
			}()
		}
	}

	mu.Lock()
	if current != nil {
		current.stop()
	}
	mu.Unlock()
	turns.Wait()
	cancel()
	<-writerDone
}

// runStreamTurn relays the deltas of one streaming turn and returns the
// messages that close it.
func (s *Server) runStreamTurn(ctx context.Context, userID, text string, req generation.Request, turn *wsTurn, push func(any)) []any {
	stream, err := s.pipeline.StartTurnStream(ctx, userID, text, req)
	if err != nil {
		return s.turnError(userID, turn, err)
	}

	seq := 0
	for fragment := range stream.Fragments() {
		if turn.cancelled.Load() {
			continue
		}
		seq++
		push(protocol.AssistantTextDelta{
			Type:      protocol.TypeAssistantTextDelta,
			UserID:    userID,
			TurnID:    turn.id,
			Seq:       seq,
			TextDelta: fragment,
		})
	}

	res, err := stream.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return s.turnError(userID, turn, err)
	}
	var tail []any
	if res.PersistErr != nil {
		tail = append(tail, protocol.SystemEvent{
			Type:   protocol.TypeSystemEvent,
			UserID: userID,
			Code:   "persistence_failed",
			Detail: res.PersistErr.Error(),
		})
	}
	return append(tail, protocol.AssistantTurnEnd{
		Type:           protocol.TypeAssistantTurnEnd,
		UserID:         userID,
		TurnID:         turn.id,
		Reason:         protocol.ReasonCompleted,
		Output:         res.Output,
		PromptMismatch: res.PromptMismatch,
		Persisted:      res.PersistErr == nil,
	})
}

func (s *Server) turnError(userID string, turn *wsTurn, err error) []any {
	if turn.cancelled.Load() || errors.Is(err, generation.ErrStreamCancelled) || errors.Is(err, context.Canceled) {
		return []any{protocol.AssistantTurnEnd{
			Type:   protocol.TypeAssistantTurnEnd,
			UserID: userID,
			TurnID: turn.id,
			Reason: protocol.ReasonCancelled,
		}}
	}
	_, code, retryable := errorStatus(err)
	s.logger.Warn("stream turn failed", zap.String("user_id", userID), zap.String("turn_id", turn.id), zap.Error(err))
	return []any{
		protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			UserID:    userID,
			TurnID:    turn.id,
			Code:      code,
			Source:    "generation",
			Retryable: retryable,
			Detail:    err.Error(),
		},
		protocol.AssistantTurnEnd{
			Type:   protocol.TypeAssistantTurnEnd,
			UserID: userID,
			TurnID: turn.id,
			Reason: protocol.ReasonError,
		},
	}
}
