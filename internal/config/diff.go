package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// requires a process restart (notably Device and RingBuffer, since both are
// baked into already-running subsystems).
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	BrokerChanged    bool // URL, TLS, or keep-alive changed — requires MQTT reconnect
	RegulatorChanged bool // safe to apply to a running Regulator via SetEmitMode etc.
	SequencerChanged bool // MaxSlots change requires a restart; GapTimeout is hot-appliable
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Broker != new.Broker {
		d.BrokerChanged = true
	}

	if old.Regulator != new.Regulator {
		d.RegulatorChanged = true
	}

	if old.Sequencer != new.Sequencer {
		d.SequencerChanged = true
	}

	return d
}
