// Package version provides build-time version information for the management daemon
// and its control CLI. Values are injected via ldflags; development builds keep the defaults.
package version

// Build information variables, set via ldflags at build time:
//
//	go build -ldflags "-X github.com/doughall/linuxrmm/management/internal/version.Version=1.2.0 \
//	                   -X github.com/doughall/linuxrmm/management/internal/version.Commit=abc123 \
//	                   -X github.com/doughall/linuxrmm/management/internal/version.BuildTime=2026-10-01T12:00:00Z"
var (
	// Version is the semantic version of the daemon (e.g., "1.2.0", "dev").
	Version = "dev"

	// Commit is the git commit hash the binary was built from.
	Commit = "unknown"

	// BuildTime is when the binary was built (RFC3339).
	BuildTime = "unknown"
)

// Info returns a one-line version string for the named binary.
func Info(binary string) string {
	return binary + " " + Version + " (commit: " + Commit + ", built: " + BuildTime + ")"
}
