// Package version reports the running build's identity. The commit hash
// comes from an -ldflags override when set (container builds without .git),
// otherwise from the embedded VCS metadata, otherwise "dev".
package version

import "runtime/debug"

// AppName prefixes version strings in logs and the health endpoint.
const AppName = "pipeline-server"

// commit is the -ldflags injection point:
//
//	go build -ldflags "-X .../pkg/version.commit=$(git rev-parse HEAD)"
var commit string

// GitCommit is the short (8 char) commit hash identifying this build, or
// "dev" when no VCS metadata is available (go test, non-git checkouts).
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commit != "" {
		return short(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "pipeline-server/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}
