// Package repair implements live repair of a single extent: the extent is
// taken out of service, refilled from a healthy source, flushed under a new
// generation and returned to service while the rest of the region keeps
// serving I/O.
//
// An extent under repair moves through
//
//	Open -> Closed -> Repairing -> Reopening -> Verifying -> Open
//
// and falls back to Closed when an attempt fails. A new attempt always
// starts over from Repairing.
package repair

import (
	"github.com/marmos91/downstairs/pkg/region"
)

// DefaultMaxRetries is the number of repair attempts before giving up.
const DefaultMaxRetries = 3

var transitions = map[region.ExtentState][]region.ExtentState{
	region.StateOpen:      {region.StateClosed},
	region.StateClosed:    {region.StateRepairing},
	region.StateRepairing: {region.StateReopening, region.StateClosed},
	region.StateReopening: {region.StateVerifying, region.StateClosed},
	region.StateVerifying: {region.StateOpen, region.StateClosed},
}

// CanTransition reports whether an extent may move from one repair step to
// another.
func CanTransition(from, to region.ExtentState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
