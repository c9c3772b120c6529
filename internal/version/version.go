package version

import (
	"os/exec"
	"runtime/debug"
	"strings"
)

var (
	Version = "0.1.0"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info is what the version command prints.
type Info struct {
	Version   string
	Commit    string
	Date      string
	GoVersion string
}

// Resolve returns the full version string, appending a git-derived suffix
// when the binary is run from inside a git repository whose HEAD is not on
// a release tag.
func Resolve() string {
	return resolveVersion(Version, runGit)
}

// Details fills commit and date from the embedded VCS stamp when they were
// not set at link time.
func Details() Info {
	info, ok := debug.ReadBuildInfo()
	return details(Resolve(), Commit, Date, info, ok)
}

func details(version, commit, date string, info *debug.BuildInfo, ok bool) Info {
	out := Info{Version: version, Commit: commit, Date: date}
	if !ok || info == nil {
		return out
	}

	out.GoVersion = info.GoVersion
	modified := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "unknown" && s.Value != "" {
				out.Commit = s.Value[:min(12, len(s.Value))]
			}
		case "vcs.time":
			if out.Date == "unknown" && s.Value != "" {
				out.Date = s.Value
			}
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if modified && out.Commit != "unknown" && !strings.HasSuffix(out.Commit, "-dirty") {
		out.Commit += "-dirty"
	}
	return out
}

func resolveVersion(base string, git func(...string) (string, error)) string {
	if base == "" {
		base = "0.0.0"
	}

	suffix := computeGitSuffix(base, git)
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

func computeGitSuffix(base string, git func(...string) (string, error)) string {
	if _, err := git("rev-parse", "--git-dir"); err != nil {
		return ""
	}

	if _, err := git("describe", "--tags", "--exact-match"); err == nil {
		return ""
	}

	desc, err := git("describe", "--tags", "--dirty", "--always")
	if err != nil {
		return ""
	}

	prefix := "v" + base + "-"
	if strings.HasPrefix(desc, prefix) {
		return strings.TrimPrefix(desc, prefix)
	}

	return desc
}

func runGit(args ...string) (string, error) {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
