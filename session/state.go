// state.go
package session

import "fmt"

// State is where an interaction is in the control/data choreography.
type State int

const (
	Listening State = iota
	ControlAccepted
	CommandReceived
	Validating
	Listing
	Getting
	Rejecting
	DataConnected
	Transferring
	Closing
)

var stateNames = [...]string{
	Listening:       "listening",
	ControlAccepted: "control-accepted",
	CommandReceived: "command-received",
	Validating:      "validating",
	Listing:         "listing",
	Getting:         "getting",
	Rejecting:       "rejecting",
	DataConnected:   "data-connected",
	Transferring:    "transferring",
	Closing:         "closing",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}
