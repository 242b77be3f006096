package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only log level and jitter depth can be applied to a running pipeline;
// anything else is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	JitterFramesChanged bool
	NewJitterFrames     int

	// RestartRequired names the top-level sections whose other fields
	// changed (e.g. "transport"). They take effect on the next start.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.JitterFramesChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Audio.JitterFrames != new.Audio.JitterFrames {
		d.JitterFramesChanged = true
		d.NewJitterFrames = new.Audio.JitterFrames
	}

	// Compare the remaining fields with the hot-reloadable ones masked out.
	o, n := *old, *new
	o.Server.LogLevel, n.Server.LogLevel = "", ""
	o.Audio.JitterFrames, n.Audio.JitterFrames = 0, 0

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", o.Server, n.Server},
		{"pipeline", o.Pipeline, n.Pipeline},
		{"audio", o.Audio, n.Audio},
		{"device", o.Device, n.Device},
		{"transport", o.Transport, n.Transport},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
