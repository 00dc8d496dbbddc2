package config

import (
	"log/slog"
	"runtime/debug"
)

// Overridden at link time, for example:
//
//	-ldflags "-X dailyprompt/internal/config.version=1.4.0"
var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

// NewBuildInfo returns the linker-injected build metadata. Commit and build
// time fall back to the VCS stamp the go tool embeds when they were not set
// with -ldflags.
func NewBuildInfo() BuildInfo {
	info := BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
	if info.Commit != "" && info.BuildTime != "" {
		return info
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" && len(s.Value) >= 12 {
					info.Commit = s.Value[:12]
				} else if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.BuildTime == "" {
					info.BuildTime = s.Value
				}
			}
		}
	}
	return info
}

// LogValue groups the build fields under one log attribute.
func (b BuildInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("version", b.Version),
		slog.String("commit", b.Commit),
		slog.String("build_time", b.BuildTime),
	)
}
