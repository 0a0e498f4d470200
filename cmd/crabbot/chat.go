package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/crabbot-core/manager"
	"github.com/zhubert/crabbot-core/state"
	"github.com/zhubert/crabbot-core/transcript"
)

type chatOptions struct {
	thread string
	new    bool
	latest bool
}

func newChatCmd(opts *options) *cobra.Command {
	co := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat <connection>",
		Short: "Chat with a daemon thread",
		Long: `Attach to a thread and chat with it. Each line read from stdin is sent
as a message. Commands:

  /approve [key]   approve a pending request
  /deny [key]      deny a pending request
  /interrupt       stop the running turn
  /quit            leave the chat

Without --thread or --new the most recent thread is resumed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, err := opts.openSupervisor()
			if err != nil {
				return err
			}
			defer sup.Close()

			conn, err := resolveConnection(sup, args[0])
			if err != nil {
				return err
			}
			// A live chat keeps the connection up under the configured reconnect policy.
			if err := sup.Connect(conn.ID); err != nil {
				return err
			}
			sess, err := co.attach(cmd.Context(), sup, conn)
			if err != nil {
				return err
			}
			return runChat(cmd, sup, sess)
		},
	}
	cmd.Flags().StringVar(&co.thread, "thread", "", "Resume the thread with this id")
	cmd.Flags().BoolVar(&co.new, "new", false, "Start a new thread")
	cmd.Flags().BoolVar(&co.latest, "latest", false, "Resume the most recent thread (default)")
	cmd.MarkFlagsMutuallyExclusive("thread", "new", "latest")
	return cmd
}

// attach picks the session the chat talks to.
func (co *chatOptions) attach(ctx context.Context, sup *manager.Supervisor, conn state.Connection) (state.Session, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	switch {
	case co.new:
		return sup.CreateSession(ctx, conn.ID)
	case co.thread != "":
		if _, err := sup.DiscoverSessions(ctx, conn.ID); err != nil {
			return state.Session{}, err
		}
		sess, ok := sup.Directory().SessionByThread(conn.ID, co.thread)
		if !ok {
			return state.Session{}, fmt.Errorf("thread %s: %w", co.thread, manager.ErrUnknownSession)
		}
		return sup.ResumeSession(ctx, sess.ID)
	}
	return sup.ResumeLatestSession(ctx, conn.ID)
}

// sessionView reads a session's cells as displayed and whether its turn is
// still producing output.
func sessionView(sup *manager.Supervisor, sessionID string) ([]transcript.Cell, bool) {
	rt, err := sup.Runtime(sessionID)
	if err != nil {
		return nil, false
	}
	sess, _ := sup.Session(sessionID)
	running := rt.TurnID != "" || sess.State == transcript.StateRunning
	return transcript.Coalesce(rt.Cells, transcript.ViewOptions{}), running
}

func runChat(cmd *cobra.Command, sup *manager.Supervisor, sess state.Session) error {
	ctx := cmd.Context()
	p := &printer{out: cmd.OutOrStdout()}
	p.println(statusStyle.Render(fmt.Sprintf("%s · thread %s", sess.Title, sess.ThreadID)))

	cells, running := sessionView(sup, sess.ID)
	p.flush(cells, running)

	changes, unsubscribe := sup.Subscribe()
	defer unsubscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ch := range changes {
			if ch.SessionID != "" && ch.SessionID != sess.ID {
				continue
			}
			cells, running := sessionView(sup, sess.ID)
			p.flush(cells, running)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				waitIdle(ctx, sup, sess.ID)
				break loop
			}
			quit, err := handleLine(ctx, sup, sess.ID, line)
			if err != nil {
				p.println(errorStyle.Render("! " + err.Error()))
			}
			if quit {
				break loop
			}
		}
	}

	unsubscribe()
	<-done
	cells, _ = sessionView(sup, sess.ID)
	p.flush(cells, false)
	return nil
}

// handleLine runs one line of input. It reports true when the user quits.
func handleLine(ctx context.Context, sup *manager.Supervisor, sessionID, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, sup.SendMessage(ctx, sessionID, line)
	}

	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch command {
	case "/quit", "/exit":
		return true, nil
	case "/interrupt":
		return false, sup.InterruptSession(ctx, sessionID)
	case "/approve", "/deny":
		key, err := approvalKey(sup, sessionID, arg)
		if err != nil {
			return false, err
		}
		return false, sup.RespondApproval(ctx, sessionID, key, command == "/approve")
	}
	return false, fmt.Errorf("unknown command %s", command)
}

// approvalKey returns arg, or the only pending request when arg is empty.
func approvalKey(sup *manager.Supervisor, sessionID, arg string) (string, error) {
	if arg != "" {
		return arg, nil
	}
	rt, err := sup.Runtime(sessionID)
	if err != nil {
		return "", err
	}
	pending := rt.PendingApprovals()
	switch len(pending) {
	case 0:
		return "", errors.New("no pending approvals")
	case 1:
		return pending[0].RequestKey, nil
	}
	return "", fmt.Errorf("%d approvals pending, name one", len(pending))
}

// waitIdle blocks until the session's turn ends or ctx is done.
func waitIdle(ctx context.Context, sup *manager.Supervisor, sessionID string) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		sess, ok := sup.Session(sessionID)
		if !ok || sess.State != transcript.StateRunning {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
