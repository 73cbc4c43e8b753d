package tuya

import "fmt"

// Action is the desired state of a device's primary switch.
type Action string

const (
	ActionOn  Action = "on"
	ActionOff Action = "off"
)

// ParseAction validates a raw action string. Matching is exact: " on" and
// "ON" are rejected like any other unknown value.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionOn, ActionOff:
		return a, nil
	default:
		return "", fmt.Errorf("%w: got %q", ErrInvalidAction, s)
	}
}

// switchValue is the boolean written to data point 1.
func (a Action) switchValue() bool {
	return a == ActionOn
}
