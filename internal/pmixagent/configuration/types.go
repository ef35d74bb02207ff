package configuration

import "time"

type AgentConfiguration struct {
	// TickInterval is the period of the cleanup sweep timer.
	TickInterval time.Duration
	// DirectConn enables the dedicated listener for peer-to-peer direct
	// modex connections; when false, direct exchanges arrive over the
	// control channel instead.
	DirectConn bool
	// EarlyConnect establishes a connection to EarlyConnectAddress during
	// startup to warm up the direct channel.
	EarlyConnect        bool
	EarlyConnectAddress string
	// SelfTest makes the agent connect to its own control listener after
	// startup and send a ping frame.
	SelfTest            bool
	ControlPortRangeMin int
	ControlPortRangeMax int
	DirectModexTimeout  time.Duration
	CollectiveTimeout   time.Duration
}

type AbortConfiguration struct {
	PortRangeMin int
	PortRangeMax int
}

type ResolverConfiguration struct {
	Ttl     time.Duration
	Timeout time.Duration
}

type PmixAgentConfiguration struct {
	MetricsPort uint16
	Agent       AgentConfiguration
	Abort       AbortConfiguration
	Resolver    ResolverConfiguration
}
