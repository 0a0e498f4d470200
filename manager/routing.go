package manager

import (
	"github.com/zhubert/crabbot-core/events"
	"github.com/zhubert/crabbot-core/notify"
	"github.com/zhubert/crabbot-core/rpc"
	"github.com/zhubert/crabbot-core/state"
	"github.com/zhubert/crabbot-core/transcript"
)

// connObserver forwards one client's callbacks to the Supervisor.
type connObserver struct {
	s *Supervisor
	c *connEntry
}

func (o *connObserver) OnStatus(change rpc.StatusChange) {
	o.s.handleStatus(o.c, change)
}

func (o *connObserver) OnNotification(n rpc.Notification) {
	evs := events.ParseNotification(n)
	if len(evs) == 0 {
		o.s.log.Debug("notification dropped", "connectionID", o.c.id, "method", n.Method)
		return
	}
	for _, ev := range evs {
		o.s.applyEvent(o.c, ev)
	}
}

func (o *connObserver) OnServerRequest(r rpc.ServerRequest) {
	evs := events.ParseServerRequest(r)
	if len(evs) == 0 {
		o.s.log.Warn("unhandled server request", "connectionID", o.c.id, "method", r.Method)
		return
	}
	for _, ev := range evs {
		o.s.applyEvent(o.c, ev)
	}
}

func (o *connObserver) OnDecodeError(e rpc.DecodeError) {
	o.s.log.Warn("decode error", "connectionID", o.c.id, "message", e.Message)
	o.s.applyEvent(o.c, events.Status{Text: "[decode error] " + e.Message})
}

// notice is a notification to send once the directory lock is released.
type notice struct {
	title, body string
	metadata    map[string]string
}

// applyEvent folds ev into the active session of c's connection. Events
// for a connection without an active session are dropped.
func (s *Supervisor) applyEvent(c *connEntry, ev events.Event) {
	var (
		sessionID string
		changed   bool
		approval  bool
		pending   []notice
	)
	now := s.now()

	s.dir.WithLock(func(snap *state.Snapshot) {
		id := snap.ActiveSessionByConnection[c.id]
		i := snap.SessionIndex(id)
		if i < 0 {
			return
		}
		sessionID = id
		sess := &snap.Sessions[i]

		rt, out := s.reducer.Apply(snap.Runtimes[id], ev)
		if out.ThreadID != "" && sess.ThreadID == "" {
			sess.ThreadID = out.ThreadID
			sess.UpdatedAt = now
			changed = true
		}
		if out.Changed {
			snap.Runtimes[id] = rt
			sess.LastActivityAt = now
			changed = true
		}
		if out.State != "" && out.State != sess.State {
			sess.State = out.State
			changed = true
		}
		meta := map[string]string{
			"connectionId": c.id,
			"sessionId":    sess.ID,
			"threadId":     sess.ThreadID,
		}
		if out.Approval != nil {
			c.approvals.Register(out.Approval.RequestKey, transcript.PendingApproval{
				SessionID: sess.ID,
				RequestID: out.Approval.RequestID,
				Method:    out.Approval.Method,
			})
			approval = true
			body := "Approval needed"
			if out.Approval.Reason != "" {
				body += ": " + out.Approval.Reason
			}
			meta["requestKey"] = out.Approval.RequestKey
			pending = append(pending, notice{title: sess.Title, body: body, metadata: meta})
		}
		if out.TurnStatus != "" && out.FinalText != "" && s.cfg.GetNotifyOnCompletion() {
			pending = append(pending, notice{
				title:    sess.Title,
				body:     notify.Truncate(out.FinalText, notify.MaxBodyLength),
				metadata: meta,
			})
		}
	})

	if sessionID == "" {
		s.log.Debug("event without active session", "connectionID", c.id, "type", ev.Type())
		return
	}
	for _, n := range pending {
		s.sink.Notify(n.title, n.body, n.metadata)
	}
	if approval {
		s.publish(Change{Kind: ChangeApproval, ConnectionID: c.id, SessionID: sessionID})
	} else if changed {
		s.publish(Change{Kind: ChangeTranscript, ConnectionID: c.id, SessionID: sessionID})
	}
}
