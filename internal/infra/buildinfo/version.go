package buildinfo

import (
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
)

// Set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info describes a build.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildTime string `json:"build_time" yaml:"build_time"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Modified  bool   `json:"modified,omitempty" yaml:"modified,omitempty"`
}

var (
	once sync.Once
	info Info
)

// Get returns the build information of the running binary.
func Get() Info {
	once.Do(func() {
		info = resolve(Version, Commit, BuildTime)
		if bi, ok := debug.ReadBuildInfo(); ok {
			info = withVCS(info, bi.Settings)
		}
	})
	return info
}

func resolve(version, commit, buildTime string) Info {
	return Info{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
		GoVersion: runtime.Version(),
	}
}

// withVCS fills fields that ldflags left at their defaults from the
// toolchain's VCS stamp.
func withVCS(in Info, settings []debug.BuildSetting) Info {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if in.Commit == "unknown" && s.Value != "" {
				in.Commit = s.Value
				if len(in.Commit) > 12 {
					in.Commit = in.Commit[:12]
				}
			}
		case "vcs.time":
			if in.BuildTime == "unknown" && s.Value != "" {
				in.BuildTime = s.Value
			}
		case "vcs.modified":
			in.Modified = s.Value == "true"
		}
	}
	return in
}

// String formats the build as "version (commit) built at time".
func String() string {
	i := Get()
	return i.Version + " (" + i.Commit + ") built at " + i.BuildTime
}

// LogValue lets an Info be logged as a group.
func (i Info) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("version", i.Version),
		slog.String("commit", i.Commit),
		slog.String("build_time", i.BuildTime),
		slog.String("go", i.GoVersion),
	)
}
