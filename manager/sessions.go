package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/crabbot-core/events"
	"github.com/zhubert/crabbot-core/rpc"
	"github.com/zhubert/crabbot-core/state"
	"github.com/zhubert/crabbot-core/transcript"
)

// request sends method on c, dialing first when the client is down.
func (s *Supervisor) request(ctx context.Context, c *connEntry, method string, params any) (json.RawMessage, error) {
	if err := s.ensureConnected(c); err != nil {
		return nil, err
	}
	return c.client.SendRequest(ctx, method, params)
}

func (s *Supervisor) sessionEntry(sessionID string) (state.Session, *connEntry, error) {
	sess, ok := s.dir.Session(sessionID)
	if !ok {
		return state.Session{}, nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	c, err := s.entry(sess.ConnectionID)
	if err != nil {
		return state.Session{}, nil, err
	}
	return sess, c, nil
}

// mutateSession applies fn to a session and its runtime under the
// directory lock.
func (s *Supervisor) mutateSession(id string, fn func(*state.Session, transcript.Runtime) transcript.Runtime) bool {
	found := false
	var connID string
	s.dir.WithLock(func(snap *state.Snapshot) {
		i := snap.SessionIndex(id)
		if i < 0 {
			return
		}
		found = true
		connID = snap.Sessions[i].ConnectionID
		snap.Runtimes[id] = fn(&snap.Sessions[i], snap.Runtimes[id])
	})
	if found {
		s.publish(Change{Kind: ChangeTranscript, ConnectionID: connID, SessionID: id})
	}
	return found
}

// putSession stores sess with runtime rt and makes it the active session
// of its connection. Approvals registered against the replaced runtime are
// dropped.
func (s *Supervisor) putSession(c *connEntry, sess state.Session, rt transcript.Runtime) {
	s.dir.WithLock(func(snap *state.Snapshot) {
		c.approvals.DropSession(sess.ID)
		if i := snap.SessionIndex(sess.ID); i >= 0 {
			snap.Sessions[i] = sess
		} else {
			snap.Sessions = append(snap.Sessions, sess)
		}
		snap.Runtimes[sess.ID] = rt
		snap.ActiveSessionByConnection[sess.ConnectionID] = sess.ID
	})
	s.publish(Change{Kind: ChangeSession, ConnectionID: sess.ConnectionID, SessionID: sess.ID})
}

// threadRef accepts the spellings of a thread id seen in daemon results.
type threadRef struct {
	ThreadID      string `json:"threadId"`
	ThreadIDSnake string `json:"thread_id"`
	ID            string `json:"id"`
	Thread        struct {
		ID string `json:"id"`
	} `json:"thread"`
}

func extractThreadID(raw json.RawMessage) string {
	var ref threadRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return ""
	}
	for _, id := range []string{ref.ThreadID, ref.ThreadIDSnake, ref.ID, ref.Thread.ID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// CreateSession starts a thread on a connection and makes it the active
// session. The configured approval policy is tried first; a daemon that
// rejects it gets a bare thread/start.
func (s *Supervisor) CreateSession(ctx context.Context, connID string) (state.Session, error) {
	c, err := s.entry(connID)
	if err != nil {
		return state.Session{}, err
	}

	attempts := []map[string]any{
		{"approvalPolicy": s.cfg.GetApprovalPolicy()},
		{},
	}
	var errs []error
	var threadID string
	for _, params := range attempts {
		res, err := s.request(ctx, c, rpc.MethodThreadStart, params)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rpc.MethodThreadStart, err))
			var rpcErr *rpc.RPCError
			if !errors.As(err, &rpcErr) {
				break
			}
			continue
		}
		if threadID = extractThreadID(res); threadID != "" {
			break
		}
		errs = append(errs, fmt.Errorf("%s: response had no thread id", rpc.MethodThreadStart))
	}
	if threadID == "" {
		return state.Session{}, fmt.Errorf("create session: %w", errors.Join(errs...))
	}

	now := s.now()
	sess := state.Session{
		ID:             uuid.NewString(),
		ConnectionID:   connID,
		ThreadID:       threadID,
		Title:          fmt.Sprintf("Session %d", len(s.dir.Sessions(connID))+1),
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
		State:          transcript.StateIdle,
	}
	s.putSession(c, sess, transcript.Runtime{})
	s.log.Info("session created", "sessionID", sess.ID, "threadID", threadID)
	return sess, nil
}

// threadSummary is one entry of a thread/list result.
type threadSummary struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Preview   string          `json:"preview"`
	CreatedAt json.RawMessage `json:"createdAt"`
	UpdatedAt json.RawMessage `json:"updatedAt"`
}

// parseTimestamp reads unix seconds, unix milliseconds or RFC 3339.
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		t, err := time.Parse(time.RFC3339, str)
		return t, err == nil
	}
	n, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n)), true
	}
	return time.Unix(int64(n), 0), true
}

func summaryTitle(t threadSummary) string {
	switch {
	case t.Title != "":
		return t.Title
	case t.Preview != "":
		return truncateTitle(t.Preview)
	}
	id := t.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return "Thread " + id
}

func truncateTitle(s string) string {
	r := []rune(s)
	if len(r) <= 60 {
		return s
	}
	return string(r[:59]) + "…"
}

// DiscoverSessions lists the daemon's threads and merges them into the
// directory by thread id. It returns the connection's sessions, most
// recently active first.
func (s *Supervisor) DiscoverSessions(ctx context.Context, connID string) ([]state.Session, error) {
	c, err := s.entry(connID)
	if err != nil {
		return nil, err
	}
	res, err := s.request(ctx, c, rpc.MethodThreadList, map[string]any{
		"limit":    s.cfg.GetListLimit(),
		"archived": false,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rpc.MethodThreadList, err)
	}
	var list struct {
		Data []threadSummary `json:"data"`
	}
	if err := json.Unmarshal(res, &list); err != nil {
		return nil, fmt.Errorf("%s: decode result: %w", rpc.MethodThreadList, err)
	}

	now := s.now()
	s.dir.WithLock(func(snap *state.Snapshot) {
		for _, item := range list.Data {
			if item.ID == "" {
				continue
			}
			sess := state.Session{
				ID:           uuid.NewString(),
				ConnectionID: connID,
				ThreadID:     item.ID,
				CreatedAt:    now,
				State:        transcript.StateIdle,
			}
			i := snap.SessionByThread(connID, item.ID)
			if i >= 0 {
				existing := snap.Sessions[i]
				sess.ID = existing.ID
				sess.CreatedAt = existing.CreatedAt
				sess.LastActivityAt = existing.LastActivityAt
				sess.State = existing.State
			}
			sess.Title = summaryTitle(item)
			if t, ok := parseTimestamp(item.CreatedAt); ok {
				sess.CreatedAt = t
			}
			sess.UpdatedAt = now
			if t, ok := parseTimestamp(item.UpdatedAt); ok {
				sess.UpdatedAt = t
			}
			if sess.UpdatedAt.After(sess.LastActivityAt) {
				sess.LastActivityAt = sess.UpdatedAt
			}
			if i >= 0 {
				snap.Sessions[i] = sess
			} else {
				snap.Sessions = append(snap.Sessions, sess)
			}
		}
	})
	s.publish(Change{Kind: ChangeSession, ConnectionID: connID})
	s.log.Debug("threads discovered", "connectionID", connID, "count", len(list.Data))
	return s.sortedSessions(connID), nil
}

// sortedSessions returns the sessions of connID, most recently active first.
func (s *Supervisor) sortedSessions(connID string) []state.Session {
	sessions := s.dir.Sessions(connID)
	slices.SortStableFunc(sessions, func(a, b state.Session) int {
		return b.LatestActivity().Compare(a.LatestActivity())
	})
	return sessions
}

// Sessions returns the sessions of connID, most recently active first.
func (s *Supervisor) Sessions(connID string) []state.Session {
	return s.sortedSessions(connID)
}

// ForkSession forks a session's thread into a new active session.
func (s *Supervisor) ForkSession(ctx context.Context, sessionID string) (state.Session, error) {
	src, c, err := s.sessionEntry(sessionID)
	if err != nil {
		return state.Session{}, err
	}
	if src.ThreadID == "" {
		return state.Session{}, ErrNoThread
	}
	res, err := s.request(ctx, c, rpc.MethodThreadFork, map[string]any{"threadId": src.ThreadID})
	if err != nil {
		return state.Session{}, fmt.Errorf("%s: %w", rpc.MethodThreadFork, err)
	}
	threadID := extractThreadID(res)
	if threadID == "" {
		return state.Session{}, fmt.Errorf("%s returned no thread id", rpc.MethodThreadFork)
	}

	now := s.now()
	forked := state.Session{
		ID:             uuid.NewString(),
		ConnectionID:   src.ConnectionID,
		ThreadID:       threadID,
		Title:          src.Title + " (fork)",
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
		State:          transcript.StateIdle,
	}
	s.putSession(c, forked, s.reducer.Replay(transcript.Runtime{}, events.ParseThreadHistory(res)))
	s.log.Info("session forked", "from", sessionID, "sessionID", forked.ID, "threadID", threadID)
	return forked, nil
}

// hasTurns reports whether history replays at least one turn.
func hasTurns(history []events.Event) bool {
	for _, ev := range history {
		if _, ok := ev.(events.TurnStarted); ok {
			return true
		}
	}
	return false
}

// ResumeSession reattaches a session to its thread. The runtime is rebuilt
// from the daemon's history, read separately when the resume result
// carries none.
func (s *Supervisor) ResumeSession(ctx context.Context, sessionID string) (state.Session, error) {
	sess, c, err := s.sessionEntry(sessionID)
	if err != nil {
		return state.Session{}, err
	}
	if sess.ThreadID == "" {
		return state.Session{}, ErrNoThread
	}
	res, err := s.request(ctx, c, rpc.MethodThreadResume, map[string]any{"threadId": sess.ThreadID})
	if err != nil {
		return state.Session{}, fmt.Errorf("%s: %w", rpc.MethodThreadResume, err)
	}

	history := events.ParseThreadHistory(res)
	if !hasTurns(history) {
		read, err := c.client.SendRequest(ctx, rpc.MethodThreadRead, map[string]any{
			"threadId":     sess.ThreadID,
			"includeTurns": true,
		})
		if err != nil {
			s.log.Warn("thread/read after resume failed", "sessionID", sessionID, "error", err)
		} else {
			history = events.ParseThreadHistory(read)
		}
	}

	rt := s.reducer.Replay(transcript.Runtime{}, history)
	rt = s.reducer.AppendStatus(rt, "Resumed thread "+sess.ThreadID)
	sess.State = transcript.StateIdle
	sess.UpdatedAt = s.now()
	s.putSession(c, sess, rt)
	s.log.Info("session resumed", "sessionID", sessionID, "threadID", sess.ThreadID)
	return sess, nil
}

// ResumeLatestSession resumes the most recently active session of a
// connection, discovering threads first when none are known and starting a
// new session when the daemon has none.
func (s *Supervisor) ResumeLatestSession(ctx context.Context, connID string) (state.Session, error) {
	if _, err := s.entry(connID); err != nil {
		return state.Session{}, err
	}
	latest := func() (state.Session, bool) {
		for _, sess := range s.sortedSessions(connID) {
			if sess.ThreadID != "" {
				return sess, true
			}
		}
		return state.Session{}, false
	}

	sess, ok := latest()
	if !ok {
		if _, err := s.DiscoverSessions(ctx, connID); err != nil {
			return state.Session{}, err
		}
		sess, ok = latest()
	}
	if !ok {
		return s.CreateSession(ctx, connID)
	}
	return s.ResumeSession(ctx, sess.ID)
}

// ReadSession replaces a session's runtime with the daemon's history.
func (s *Supervisor) ReadSession(ctx context.Context, sessionID string) (transcript.Runtime, error) {
	sess, c, err := s.sessionEntry(sessionID)
	if err != nil {
		return transcript.Runtime{}, err
	}
	if sess.ThreadID == "" {
		return transcript.Runtime{}, ErrNoThread
	}
	res, err := s.request(ctx, c, rpc.MethodThreadRead, map[string]any{
		"threadId":     sess.ThreadID,
		"includeTurns": true,
	})
	if err != nil {
		return transcript.Runtime{}, fmt.Errorf("%s: %w", rpc.MethodThreadRead, err)
	}
	rt := s.reducer.Replay(transcript.Runtime{}, events.ParseThreadHistory(res))
	s.mutateSession(sessionID, func(_ *state.Session, _ transcript.Runtime) transcript.Runtime {
		c.approvals.DropSession(sessionID)
		return rt
	})
	return rt.Clone(), nil
}

// OpenThread resolves a thread id to a session: a known session is
// resumed, otherwise each connection is asked for the thread in turn.
func (s *Supervisor) OpenThread(ctx context.Context, threadID string) (state.Session, error) {
	if sess, ok := s.dir.SessionByThread("", threadID); ok {
		return s.ResumeSession(ctx, sess.ID)
	}
	for _, conn := range s.dir.Connections() {
		if _, err := s.DiscoverSessions(ctx, conn.ID); err != nil {
			s.log.Warn("discover failed while opening thread", "connectionID", conn.ID, "error", err)
			if ctx.Err() != nil {
				return state.Session{}, ctx.Err()
			}
			continue
		}
		if sess, ok := s.dir.SessionByThread(conn.ID, threadID); ok {
			return s.ResumeSession(ctx, sess.ID)
		}
	}
	return state.Session{}, fmt.Errorf("thread %s: %w", threadID, ErrUnknownSession)
}

// SendMessage appends the user's text and starts a turn. A failed start is
// recorded in the transcript and marks the session as errored.
func (s *Supervisor) SendMessage(ctx context.Context, sessionID, text string) error {
	sess, c, err := s.sessionEntry(sessionID)
	if err != nil {
		return err
	}
	if sess.ThreadID == "" {
		return ErrNoThread
	}

	now := s.now()
	s.dir.SetActiveSession(sess.ConnectionID, sessionID)
	s.mutateSession(sessionID, func(ss *state.Session, rt transcript.Runtime) transcript.Runtime {
		ss.State = transcript.StateRunning
		ss.LastActivityAt = now
		return s.reducer.AppendUser(rt, text)
	})

	res, err := s.request(ctx, c, rpc.MethodTurnStart, map[string]any{
		"threadId": sess.ThreadID,
		"input": []map[string]any{{
			"type":          "text",
			"text":          text,
			"text_elements": []any{},
		}},
	})
	if err != nil {
		s.log.Warn("turn/start failed", "sessionID", sessionID, "error", err)
		s.mutateSession(sessionID, func(ss *state.Session, rt transcript.Runtime) transcript.Runtime {
			ss.State = transcript.StateError
			return s.reducer.AppendError(rt, "turn/start failed: "+err.Error())
		})
		return fmt.Errorf("%s: %w", rpc.MethodTurnStart, err)
	}

	var started struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	if json.Unmarshal(res, &started) == nil && started.Turn.ID != "" {
		// A turn that already completed must not be reopened.
		s.mutateSession(sessionID, func(ss *state.Session, rt transcript.Runtime) transcript.Runtime {
			if ss.State == transcript.StateIdle || ss.State == transcript.StateError {
				return rt
			}
			return transcript.SetTurn(rt, started.Turn.ID)
		})
	}
	return nil
}

// InterruptSession asks the daemon to stop the session's active turn.
func (s *Supervisor) InterruptSession(ctx context.Context, sessionID string) error {
	sess, c, err := s.sessionEntry(sessionID)
	if err != nil {
		return err
	}
	turnID := s.dir.Runtime(sessionID).TurnID
	if turnID == "" {
		return ErrNoActiveTurn
	}
	if _, err := s.request(ctx, c, rpc.MethodTurnInterrupt, map[string]any{
		"threadId": sess.ThreadID,
		"turnId":   turnID,
	}); err != nil {
		return fmt.Errorf("%s: %w", rpc.MethodTurnInterrupt, err)
	}
	return nil
}

// RespondApproval answers a pending approval with the daemon's original
// request id and the decision word its method expects. The registry entry
// is restored when the response cannot be sent.
func (s *Supervisor) RespondApproval(ctx context.Context, sessionID, requestKey string, approve bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, c, err := s.sessionEntry(sessionID)
	if err != nil {
		return err
	}
	pending, ok := c.approvals.Take(requestKey)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownApproval, requestKey)
	}
	if pending.SessionID != sessionID {
		c.approvals.Restore(requestKey, pending)
		return fmt.Errorf("%w: %s", ErrUnknownApproval, requestKey)
	}
	if !hasPendingApproval(s.dir.Runtime(sessionID), requestKey) {
		return fmt.Errorf("%w: %s", ErrUnknownApproval, requestKey)
	}

	if err := c.client.SendResponse(pending.RequestID, events.DecisionResult(pending.Method, approve)); err != nil {
		c.approvals.Restore(requestKey, pending)
		return fmt.Errorf("respond approval: %w", err)
	}

	s.mutateSession(sessionID, func(ss *state.Session, rt transcript.Runtime) transcript.Runtime {
		next, _ := transcript.ResolveApproval(rt, requestKey, approve)
		if ss.State == transcript.StateWaitingApproval && len(next.PendingApprovals()) == 0 {
			ss.State = transcript.StateIdle
			if next.TurnID != "" {
				ss.State = transcript.StateRunning
			}
		}
		return next
	})
	s.log.Info("approval answered", "sessionID", sessionID, "requestKey", requestKey, "approve", approve)
	return nil
}

func hasPendingApproval(rt transcript.Runtime, requestKey string) bool {
	for _, a := range rt.PendingApprovals() {
		if a.RequestKey == requestKey {
			return true
		}
	}
	return false
}

// SetActiveSession makes a session the target of its connection's events.
func (s *Supervisor) SetActiveSession(sessionID string) error {
	sess, ok := s.dir.Session(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	s.dir.SetActiveSession(sess.ConnectionID, sessionID)
	s.publish(Change{Kind: ChangeSession, ConnectionID: sess.ConnectionID, SessionID: sessionID})
	return nil
}

// Session returns the session with id.
func (s *Supervisor) Session(sessionID string) (state.Session, bool) {
	return s.dir.Session(sessionID)
}

// Runtime returns a copy of a session's runtime.
func (s *Supervisor) Runtime(sessionID string) (transcript.Runtime, error) {
	if _, ok := s.dir.Session(sessionID); !ok {
		return transcript.Runtime{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return s.dir.Runtime(sessionID), nil
}

// Transcript returns a session's cells as they should be displayed.
func (s *Supervisor) Transcript(sessionID string, opts transcript.ViewOptions) ([]transcript.Cell, error) {
	rt, err := s.Runtime(sessionID)
	if err != nil {
		return nil, err
	}
	return transcript.Coalesce(rt.Cells, opts), nil
}
