// Package cli checks the external tools crabbot can use.
package cli

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/zhubert/crabbot-core/exec"
)

// Prerequisite is an external tool crabbot may shell out to.
type Prerequisite struct {
	Name        string   // Command name (e.g., "notify-send")
	Required    bool     // Whether crabbot cannot run without it
	Description string   // Human-readable description
	InstallURL  string   // URL for installation instructions
	VersionArgs []string // Arguments that print a version; nil skips the probe
	Platforms   []string // GOOS values the tool applies to; nil means all
}

// DefaultPrerequisites returns the tools relevant on goos. None is
// required: without them desktop notifications are skipped.
func DefaultPrerequisites(goos string) []Prerequisite {
	all := []Prerequisite{
		{
			Name:        "notify-send",
			Description: "libnotify client (optional, for desktop notifications)",
			InstallURL:  "https://gitlab.gnome.org/GNOME/libnotify",
			VersionArgs: []string{"--version"},
			Platforms:   []string{"linux", "freebsd", "openbsd", "netbsd"},
		},
		{
			Name:        "osascript",
			Description: "AppleScript runner (optional, for desktop notifications)",
			Platforms:   []string{"darwin"},
		},
	}
	var out []Prerequisite
	for _, p := range all {
		if len(p.Platforms) == 0 || slices.Contains(p.Platforms, goos) {
			out = append(out, p)
		}
	}
	return out
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Path to the executable if found
	Version      string // Version string if available
	Error        error
}

// Checker probes prerequisites through a CommandExecutor.
type Checker struct {
	executor exec.CommandExecutor
	timeout  time.Duration
}

// NewChecker returns a Checker using executor.
func NewChecker(executor exec.CommandExecutor) *Checker {
	return &Checker{executor: executor, timeout: 3 * time.Second}
}

// Check verifies that a tool is available in PATH
func (c *Checker) Check(ctx context.Context, prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := c.executor.LookPath(prereq.Name)
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
		return result
	}
	result.Found = true
	result.Path = path
	result.Version = c.version(ctx, prereq)
	return result
}

// CheckAll verifies all prerequisites and returns results
func (c *Checker) CheckAll(ctx context.Context, prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = c.Check(ctx, prereq)
	}
	return results
}

// ValidateRequired returns an error naming every required tool that is
// missing.
func (c *Checker) ValidateRequired(ctx context.Context, prereqs []Prerequisite) error {
	var missing []string
	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		if r := c.Check(ctx, prereq); !r.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s)\n    Install: %s",
				prereq.Name, prereq.Description, prereq.InstallURL))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required tools:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

// version returns the first line the version probe prints.
func (c *Checker) version(ctx context.Context, prereq Prerequisite) string {
	if prereq.VersionArgs == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stdout, _, err := c.executor.Run(ctx, prereq.Name, prereq.VersionArgs...)
	if err != nil {
		return ""
	}
	first, _, _ := strings.Cut(string(stdout), "\n")
	version := strings.TrimSpace(first)
	// Limit length to avoid overly long version strings
	if len(version) > 100 {
		version = version[:100] + "..."
	}
	return version
}

// FormatCheckResults formats check results for display
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("Tools:\n")
	if len(results) == 0 {
		sb.WriteString("  (none on this platform)\n")
	}
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		fmt.Fprintf(&sb, "  %s %s", status, r.Prerequisite.Name)
		if r.Found && r.Version != "" {
			fmt.Fprintf(&sb, " (%s)", r.Version)
		} else if !r.Found {
			if r.Prerequisite.Required {
				sb.WriteString(" [REQUIRED]")
			} else {
				sb.WriteString(" [optional]")
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
