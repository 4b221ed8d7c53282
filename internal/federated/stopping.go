package federated

import (
	"fmt"
	"strings"

	"github.com/inferloop/fedsim/pkg/errors"
)

// StopPolicy decides when the round loop ends.
type StopPolicy int

const (
	// StopLastClient ends the run once the last client processed in a round
	// has reached its step budget.
	StopLastClient StopPolicy = iota
	// StopAllClients ends the run once every proxy client has reached its budget.
	StopAllClients
)

// ParseStopPolicy maps a configuration value onto a StopPolicy.
func ParseStopPolicy(s string) (StopPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "last_client":
		return StopLastClient, nil
	case "all_clients":
		return StopAllClients, nil
	default:
		return StopLastClient, errors.NewConfigurationError(errors.CodeInvalidValue, fmt.Sprintf("unknown stop policy %q", s))
	}
}

// String implements fmt.Stringer.
func (p StopPolicy) String() string {
	switch p {
	case StopLastClient:
		return "last_client"
	case StopAllClients:
		return "all_clients"
	default:
		return fmt.Sprintf("stop_policy(%d)", int(p))
	}
}

// Done reports whether training is complete given the clients processed in
// the round just finished, in processing order, and the full proxy population.
func (p StopPolicy) Done(processed, all []*Client) bool {
	switch p {
	case StopAllClients:
		if len(all) == 0 {
			return false
		}
		for _, c := range all {
			if !c.Exhausted() {
				return false
			}
		}
		return true
	default:
		if len(processed) == 0 {
			return false
		}
		return processed[len(processed)-1].Exhausted()
	}
}
