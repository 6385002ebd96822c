package internal

import (
	"fmt"
	"runtime"
	"strings"
)

const (

	// Program name, used for the CLI, logger group, and XDG subdirectories.
	Name = "stager"

	// Placeholder for build variables that were not set at link time.
	defaultUndefined = "(undefined)"

	// Version string reported by builds made outside the release pipeline.
	defaultLocalBuild = "(local)"

	// Release branch; builds from it omit the branch suffix.
	releaseBranch = "main"
)

// Set via -ldflags "-X github.com/ClemHeyd/stager/internal.<name>=<value>".
var (
	version   = "" // Release version (e.g., "0.4.1").
	branch    = "" // Git branch the release was cut from (e.g., "main").
	gitCommit = "" // Git commit hash (e.g., "a1b2c3d4").

	rawQuiet   = "false" // Default for quiet mode.
	rawDebug   = "false" // Default for debug mode.
	rawVerbose = "false" // Default for verbose logging.
)

// Returns the release version without a leading "v", or "(undefined)".
func Version() string {
	v := strings.ToLower(strings.TrimSpace(version))
	if v == "" {
		return defaultUndefined
	}
	return strings.TrimPrefix(v, "v")
}

// Returns the branch the binary was built from, or "(undefined)".
func Branch() string {
	b := strings.TrimSpace(branch)
	if b == "" {
		return defaultUndefined
	}
	return strings.ToLower(b)
}

// Returns the git commit hash, or "(undefined)".
func GitCommit() string {
	c := strings.TrimSpace(gitCommit)
	if c == "" {
		return defaultUndefined
	}
	return c
}

// Reports whether any release variable is missing, which marks a developer
// build rather than a pipeline build.
func IsLocal() bool {
	return strings.TrimSpace(version) == "" ||
		strings.TrimSpace(gitCommit) == "" ||
		strings.TrimSpace(branch) == ""
}

// Returns "<version>[+<branch>] <commit> [<os>/<arch>]", or "(local)" for
// developer builds.
func VersionString() string {
	if IsLocal() {
		return defaultLocalBuild
	}

	suffix := ""
	if b := Branch(); b != releaseBranch {
		suffix = "+" + b
	}

	return fmt.Sprintf("%s%s %s [%s/%s]", Version(), suffix, GitCommit(), runtime.GOOS, runtime.GOARCH)
}
