package configuration

import "github.com/pkg/errors"

func (c *PmixAgentConfiguration) Validate() error {
	if c.Agent.TickInterval <= 0 {
		return errors.New("agent.tickInterval must be positive")
	}
	if err := validatePortRange(c.Agent.ControlPortRangeMin, c.Agent.ControlPortRangeMax); err != nil {
		return errors.Wrap(err, "agent control port range")
	}
	if err := validatePortRange(c.Abort.PortRangeMin, c.Abort.PortRangeMax); err != nil {
		return errors.Wrap(err, "abort port range")
	}
	if c.Agent.EarlyConnect && c.Agent.EarlyConnectAddress == "" {
		return errors.New("agent.earlyConnectAddress is required when earlyConnect is enabled")
	}
	if c.Agent.DirectModexTimeout <= 0 {
		return errors.New("agent.directModexTimeout must be positive")
	}
	if c.Agent.CollectiveTimeout <= 0 {
		return errors.New("agent.collectiveTimeout must be positive")
	}
	return nil
}

func validatePortRange(min int, max int) error {
	if min < 0 || max < 0 || min > 65535 || max > 65535 {
		return errors.Errorf("ports must be within 0-65535, got %d-%d", min, max)
	}
	if min > 0 && max < min {
		return errors.Errorf("range %d-%d is empty", min, max)
	}
	return nil
}
