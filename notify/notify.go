// Package notify delivers user-facing notices such as "turn finished" or
// "approval needed". Delivery is fire-and-forget: sinks log failures and
// never return them.
package notify

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/zhubert/crabbot-core/exec"
	"github.com/zhubert/crabbot-core/logger"
)

// Sink receives notifications.
type Sink interface {
	Notify(title, body string, metadata map[string]string)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(string, string, map[string]string) {}

// LogSink writes notifications to the log.
type LogSink struct{}

func (LogSink) Notify(title, body string, metadata map[string]string) {
	args := []any{"title", title, "body", body}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, metadata[k])
	}
	logger.WithComponent("notify").Info("notification", args...)
}

// Multi fans a notification out to every sink.
type Multi []Sink

func (m Multi) Notify(title, body string, metadata map[string]string) {
	for _, s := range m {
		s.Notify(title, body, metadata)
	}
}

// MaxBodyLength bounds notification bodies; longer text is truncated.
const MaxBodyLength = 180

// Truncate shortens s to at most n runes, ending with an ellipsis when cut.
func Truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

// DesktopSink shows notifications through the platform's notifier:
// notify-send on Linux, osascript on macOS.
type DesktopSink struct {
	executor exec.CommandExecutor
	goos     string
	timeout  time.Duration
}

// NewDesktopSink returns a sink for the current platform.
func NewDesktopSink(executor exec.CommandExecutor) *DesktopSink {
	return &DesktopSink{executor: executor, goos: runtime.GOOS, timeout: 5 * time.Second}
}

// Available reports whether the platform notifier is installed.
func (d *DesktopSink) Available() bool {
	name, _ := d.command("", "")
	if name == "" {
		return false
	}
	_, err := d.executor.LookPath(name)
	return err == nil
}

func (d *DesktopSink) command(title, body string) (string, []string) {
	switch d.goos {
	case "darwin":
		script := fmt.Sprintf("display notification %s with title %s", appleScriptString(body), appleScriptString(title))
		return "osascript", []string{"-e", script}
	case "linux", "freebsd", "openbsd", "netbsd":
		return "notify-send", []string{"--app-name=crabbot", title, body}
	}
	return "", nil
}

func (d *DesktopSink) Notify(title, body string, metadata map[string]string) {
	name, args := d.command(title, Truncate(body, MaxBodyLength))
	log := logger.WithComponent("notify")
	if name == "" {
		log.Debug("desktop notifications unsupported", "os", d.goos)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if _, _, err := d.executor.Run(ctx, name, args...); err != nil {
		log.Warn("desktop notification failed", "command", name, "error", err)
	}
}

// appleScriptString quotes s as an AppleScript string literal.
func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
