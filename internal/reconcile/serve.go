package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/sprintsync/internal/batch"
	"github.com/roach88/sprintsync/internal/identity"
	"github.com/roach88/sprintsync/internal/program"
	"github.com/roach88/sprintsync/internal/sessions"
	"github.com/roach88/sprintsync/internal/transport"
	"github.com/roach88/sprintsync/internal/wire"
)

var _ transport.Handler = (*Engine)(nil)

// Serve implements transport.Handler by dispatching on the message type.
// Every request action has a case; replies arriving as requests are
// rejected.
func (e *Engine) Serve(ctx context.Context, msg wire.Message) (wire.Message, error) {
	switch m := msg.(type) {
	case wire.TokenExchange:
		return e.HandleTokenExchange(ctx, m)
	case wire.FullSessionsRequest:
		return e.HandleFullSessions(ctx, m)
	case wire.SessionsRequest:
		return e.HandleSessionsRequest(ctx, m)
	case wire.SyncSessions:
		return e.HandleSyncSessions(ctx, m)
	case wire.Ping:
		return e.HandlePing(ctx, m)
	case wire.Heartbeat:
		return e.HandleHeartbeat(ctx, m)
	case wire.ClearData:
		return e.HandleClearData(ctx, m)
	case wire.CompletionReport:
		return e.HandleCompletionReport(ctx, m)
	case wire.TokenExchangeReply, wire.FullSessionsReply, wire.StatusReply, wire.Pong, wire.ErrorReply:
		return nil, fmt.Errorf("%s is a reply, not a request", m.Action())
	default:
		return nil, fmt.Errorf("%w: %T", wire.ErrUnknownAction, msg)
	}
}

// HandleTokenExchange answers with this peer's identity and version.
func (e *Engine) HandleTokenExchange(_ context.Context, m wire.TokenExchange) (wire.Message, error) {
	e.logger.Debug("token exchange",
		"peer", m.DeviceID, "peer_type", m.DeviceType, "peer_sessions", m.SessionCount,
		"match", e.id.Matches(m.SyncToken))
	return wire.TokenExchangeReply{
		SyncToken:    e.id.Token(),
		DeviceID:     e.id.DeviceID(),
		DeviceType:   e.id.Role().String(),
		SessionCount: e.store.Len(),
		Timestamp:    e.now(),
	}, nil
}

// HandleFullSessions serves the batch for the requester's week.
func (e *Engine) HandleFullSessions(ctx context.Context, m wire.FullSessionsRequest) (wire.Message, error) {
	all := e.store.Load()
	if len(all) == 0 {
		return nil, errors.New("no sessions available")
	}
	p := e.ownerProfile(ctx, all)
	sel := batch.Select(all, m.UserWeek, p.Frequency)

	e.logger.Info("serving sessions",
		"peer", m.DeviceID, "user_week", m.UserWeek, "phase", sel.Phase, "sessions", len(sel.Sessions))
	return wire.FullSessionsReply{
		SessionsData:  wire.EncodeSessions(sel.Sessions),
		SessionCount:  len(sel.Sessions),
		TotalSessions: sel.Total,
		BatchInfo:     batchInfo(sel),
		DeviceID:      e.id.DeviceID(),
		SyncToken:     e.id.Token(),
		UserLevel:     p.Level.String(),
		UserFrequency: p.Frequency,
		Timestamp:     e.now(),
	}, nil
}

// HandleSessionsRequest acknowledges at once and pushes the batch in the
// background.
func (e *Engine) HandleSessionsRequest(ctx context.Context, m wire.SessionsRequest) (wire.Message, error) {
	e.pushes.Add(1)
	go func() {
		defer e.pushes.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.pushTimeout)
		defer cancel()
		if _, err := e.Push(pctx, m.UserWeek); err != nil {
			e.logger.Warn("requested push failed", "error", err)
		}
	}()
	return wire.StatusReply{Status: wire.StatusProcessing, Timestamp: e.now()}, nil
}

// HandleSyncSessions applies a pushed batch. A batch that cannot be
// applied is answered with "rejected" and local data is left as it was.
func (e *Engine) HandleSyncSessions(ctx context.Context, m wire.SyncSessions) (wire.Message, error) {
	if !e.cycle.TryLock() {
		e.logger.Info("rejecting pushed batch during a running cycle")
		return wire.StatusReply{Status: wire.StatusRejected, Timestamp: e.now()}, nil
	}
	defer e.cycle.Unlock()

	e.setState(Applying)
	if err := e.beginReceive(ctx); err != nil {
		_ = e.fail(ctx, "mark syncing", newSyncError(ErrCodeStoreFailure, err))
		return wire.StatusReply{Status: wire.StatusRejected, Timestamp: e.now()}, nil
	}
	r, err := e.apply(ctx, m.SessionsData, m.SessionCount, m.BatchInfo, m.SyncToken)
	if err != nil {
		_ = e.fail(ctx, "apply pushed batch", err)
		return wire.StatusReply{Status: wire.StatusRejected, Timestamp: e.now()}, nil
	}
	e.succeed(r)
	e.logger.Info("pushed batch applied",
		"peer", m.DeviceID, "user", m.UserName, "phase", r.Phase, "sessions", r.Sessions, "replaced", r.Replaced)
	return wire.StatusReply{Status: wire.StatusReceived, Timestamp: e.now()}, nil
}

// HandlePing answers liveness checks.
func (e *Engine) HandlePing(context.Context, wire.Ping) (wire.Message, error) {
	return wire.Pong{
		Status:       "pong",
		DeviceType:   e.id.Role().String(),
		SessionCount: e.store.Len(),
		Timestamp:    e.now(),
	}, nil
}

// HandleHeartbeat records the peer's liveness. There is no reply.
func (e *Engine) HandleHeartbeat(_ context.Context, m wire.Heartbeat) (wire.Message, error) {
	e.mu.Lock()
	e.lastHeartbeat = e.now()
	e.mu.Unlock()
	e.logger.Debug("heartbeat", "peer_sessions", m.SessionCount, "battery", m.BatteryLevel)
	return nil, nil
}

// HandleClearData drops the local program and mints a new token so the
// next exchange sees a mismatch.
func (e *Engine) HandleClearData(ctx context.Context, _ wire.ClearData) (wire.Message, error) {
	if err := e.store.Clear(ctx); err != nil {
		return nil, err
	}
	if _, err := e.id.Regenerate(ctx); err != nil {
		return nil, err
	}
	return wire.StatusReply{Status: wire.StatusCleared, Timestamp: e.now()}, nil
}

// HandleCompletionReport records a workout finished on the companion. The
// companion already holds the result, so the session is Synced here.
func (e *Engine) HandleCompletionReport(ctx context.Context, m wire.CompletionReport) (wire.Message, error) {
	if e.id.Role() != identity.Primary {
		return nil, errors.New("completion reports are handled by the primary")
	}
	r := program.Result{At: m.CompletedAt, Times: m.Results}
	if err := e.store.MarkCompleted(ctx, m.SessionID, r); err != nil {
		return nil, err
	}
	if err := e.store.SetState(ctx, sessions.Synced, m.SessionID); err != nil {
		return nil, err
	}
	e.logger.Info("completion received", "peer", m.DeviceID, "session", m.SessionID)
	return wire.StatusReply{Status: wire.StatusReceived, Timestamp: e.now()}, nil
}

// RequestPush asks the owner to push a batch through SyncSessions. It
// returns once the owner has acknowledged; the batch arrives separately.
func (e *Engine) RequestPush(ctx context.Context, force bool) error {
	all := e.store.Load()
	reply, err := e.ch.Request(ctx, wire.SessionsRequest{
		CurrentSessionCount: len(all),
		UserWeek:            batch.UserWeek(all),
		ForceRefresh:        force,
		Timestamp:           e.now(),
	})
	if err != nil {
		return Classify(err)
	}
	sr, ok := reply.(wire.StatusReply)
	if !ok || sr.Status != wire.StatusProcessing {
		return Classify(unexpected(wire.ActionStatus, reply))
	}
	return nil
}
