package model

import (
	"encoding/json"
	"fmt"
)

// Phase is a step of the load state machine:
// Unloaded -> Loading -> {Ready, Failed}; Failed -> Loading via Retry.
type Phase int

const (
	Unloaded Phase = iota
	Loading
	Ready
	Failed
)

func (p Phase) String() string {
	switch p {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the phase by name.
func (p Phase) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

// UnmarshalJSON decodes a phase name.
func (p *Phase) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for _, c := range []Phase{Unloaded, Loading, Ready, Failed} {
		if c.String() == s {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", s)
}

// State is a snapshot of an artifact's load state. Reason is set only when
// Phase is Failed.
type State struct {
	Phase  Phase  `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

func (s State) String() string {
	if s.Phase == Failed && s.Reason != "" {
		return "failed: " + s.Reason
	}
	return s.Phase.String()
}
