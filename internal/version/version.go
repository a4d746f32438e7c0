package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule = "pkt.systems/paydist"
	unknown       = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/paydist/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the best available version string: the linker-provided
// value, the module version, or a pseudo version derived from VCS stamps.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return unknown
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := pseudoVersion(info.Settings); v != "" {
		return v
	}
	return unknown
}

// Module returns the main module path.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// UserAgent is sent on every request to a ledger node gateway.
func UserAgent() string {
	return "paydist/" + Current()
}

func pseudoVersion(settings []debug.BuildSetting) string {
	stamps := make(map[string]string, len(settings))
	for _, setting := range settings {
		stamps[setting.Key] = setting.Value
	}
	revision, committed := stamps["vcs.revision"], stamps["vcs.time"]
	if revision == "" || committed == "" {
		return ""
	}
	at, err := time.Parse(time.RFC3339, committed)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
	if stamps["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}
