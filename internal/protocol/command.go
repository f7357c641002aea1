package protocol

import (
	"encoding/json"
	"fmt"
)

// Control ranges accepted by the vehicle firmware.
const (
	SpeedMin     = -100
	SpeedMax     = 100
	DirectionMin = -90
	DirectionMax = 90
)

// ControlCommand is the command a client sends to drive a device.
// Speed is a signed percentage of full throttle, Direction a steering
// angle in degrees.
type ControlCommand struct {
	Speed     int `json:"speed"`
	Direction int `json:"direction"`
}

// InRange reports whether both fields are within their firmware ranges.
func (c ControlCommand) InRange() bool {
	return c.Speed >= SpeedMin && c.Speed <= SpeedMax &&
		c.Direction >= DirectionMin && c.Direction <= DirectionMax
}

// Clamp returns a copy with both fields limited to their ranges.
func (c ControlCommand) Clamp() ControlCommand {
	return ControlCommand{
		Speed:     clamp(c.Speed, SpeedMin, SpeedMax),
		Direction: clamp(c.Direction, DirectionMin, DirectionMax),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampRaw decodes a raw command, clamps it, and re-encodes it. Extra
// fields in the raw command are dropped.
func ClampRaw(raw json.RawMessage) (json.RawMessage, error) {
	var cmd ControlCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("decode control command: %w", err)
	}
	out, err := json.Marshal(cmd.Clamp())
	if err != nil {
		return nil, fmt.Errorf("encode control command: %w", err)
	}
	return out, nil
}
