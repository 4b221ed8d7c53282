package federated

import (
	"fmt"

	"github.com/inferloop/fedsim/internal/params"
)

// Broadcast overwrites every client's replica with the global parameters.
func Broadcast(global *params.Set, clients []*Client) error {
	for _, c := range clients {
		if err := c.Model().CopyFrom(global); err != nil {
			return fmt.Errorf("broadcast to %s: %w", c.ID(), err)
		}
	}
	return nil
}
