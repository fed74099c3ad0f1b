package config

// Window defaults.
const (
	DefaultWindowBase     = "0x700000000000"
	DefaultWindowSize     = "0x100000000000"
	DefaultWindowPageSize = "0x1000"
	DefaultWindowPolicy   = "first-fit"
	DefaultASLROffset     = "0"
	DefaultWindowSection  = "0x100000000000"
	DefaultWindowSeed     = 0
)

// Registry defaults.
const (
	DefaultRegistryShards       = 16
	DefaultHibernationThreshold = 1024
)

// Logging and telemetry defaults.
const (
	DefaultLogLevel     = "info"
	DefaultLogJSON      = false
	DefaultSampleRatio  = 0.0
	DefaultMetricsAddr  = ""
	DefaultOTLPEndpoint = ""
)

const maxSampleRatio = 1.0
