package notify

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/zhubert/crabbot-core/exec"
	"github.com/zhubert/crabbot-core/logger"
)

func TestMain(m *testing.M) {
	logger.Reset()
	logger.Init(os.DevNull)
	os.Exit(m.Run())
}

func TestDesktopSink_Linux(t *testing.T) {
	mock := exec.NewMockExecutor()
	sink := NewDesktopSink(mock)
	sink.goos = "linux"

	sink.Notify("Session 1", "All   done\nnow", map[string]string{"sessionId": "s1"})

	calls := mock.GetCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	want := []string{"--app-name=crabbot", "Session 1", "All done now"}
	if calls[0].Name != "notify-send" || strings.Join(calls[0].Args, "|") != strings.Join(want, "|") {
		t.Errorf("unexpected call %+v", calls[0])
	}
}

func TestDesktopSink_Darwin(t *testing.T) {
	mock := exec.NewMockExecutor()
	sink := NewDesktopSink(mock)
	sink.goos = "darwin"

	sink.Notify(`Say "hi"`, "done", nil)

	calls := mock.GetCalls()
	if len(calls) != 1 || calls[0].Name != "osascript" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	script := calls[0].Args[1]
	if script != `display notification "done" with title "Say \"hi\""` {
		t.Errorf("script = %s", script)
	}
}

func TestDesktopSink_FailureIsSwallowed(t *testing.T) {
	mock := exec.NewMockExecutor()
	mock.AddPrefixMatch("notify-send", nil, exec.MockResponse{Err: errors.New("no display")})
	sink := NewDesktopSink(mock)
	sink.goos = "linux"

	sink.Notify("t", "b", nil)
	if len(mock.GetCalls()) != 1 {
		t.Error("expected the notifier to be invoked once")
	}
}

func TestDesktopSink_Unsupported(t *testing.T) {
	mock := exec.NewMockExecutor()
	sink := NewDesktopSink(mock)
	sink.goos = "plan9"

	sink.Notify("t", "b", nil)
	if len(mock.GetCalls()) != 0 {
		t.Error("unsupported platforms should not run anything")
	}
	if sink.Available() {
		t.Error("Available should be false on unsupported platforms")
	}
}

func TestDesktopSink_Available(t *testing.T) {
	mock := exec.NewMockExecutor()
	sink := NewDesktopSink(mock)
	sink.goos = "linux"
	if !sink.Available() {
		t.Error("expected notify-send to be available")
	}
	mock.SetMissing("notify-send")
	if sink.Available() {
		t.Error("expected notify-send to be missing")
	}
}

type recordingSink struct {
	titles []string
}

func (r *recordingSink) Notify(title, body string, metadata map[string]string) {
	r.titles = append(r.titles, title)
}

func TestMulti(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	Multi{a, Nop{}, LogSink{}, b}.Notify("hello", "body", map[string]string{"k": "v"})
	if len(a.titles) != 1 || len(b.titles) != 1 {
		t.Errorf("expected each sink to get one notification, got %d and %d", len(a.titles), len(b.titles))
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"  spaced\n\nout  ", 20, "spaced out"},
		{"abcdefghij", 5, "abcd…"},
		{"héllo wörld", 6, "héllo…"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
