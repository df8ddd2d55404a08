package models

import (
	"fmt"
	"strings"
)

// Status is a presence bitmask. The low bits are modifiers, the rest select
// the dominant state.
type Status uint32

const (
	StatusOffline   Status = 0
	StatusOnline    Status = 0x0001
	StatusInvisible Status = 0x0002
	StatusIdle      Status = 0x0004
	StatusAway      Status = 0x0010
	StatusNA        Status = 0x0020
	StatusOccupied  Status = 0x0040
	StatusDND       Status = 0x0080
	StatusFFC       Status = 0x0100

	statusModifiers = StatusInvisible | StatusIdle
)

func (s Status) IsOnline() bool {
	return s&StatusOnline != 0
}

// IsAway reports whether contacts should get the auto-response.
func (s Status) IsAway() bool {
	return s.IsOnline() && s&(StatusAway|StatusNA|StatusOccupied|StatusDND) != 0
}

// Base strips the modifier bits.
func (s Status) Base() Status {
	return s &^ statusModifiers
}

func (s Status) String() string {
	if !s.IsOnline() {
		return "offline"
	}
	var name string
	switch {
	case s&StatusDND != 0:
		name = "dnd"
	case s&StatusOccupied != 0:
		name = "occupied"
	case s&StatusNA != 0:
		name = "na"
	case s&StatusAway != 0:
		name = "away"
	case s&StatusFFC != 0:
		name = "ffc"
	default:
		name = "online"
	}
	if s&StatusInvisible != 0 {
		name += "+invisible"
	}
	if s&StatusIdle != 0 {
		name += "+idle"
	}
	return name
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus is the inverse of String.
func ParseStatus(str string) (Status, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(str)), "+")
	var s Status
	switch parts[0] {
	case "offline", "":
		if len(parts) > 1 {
			return 0, fmt.Errorf("offline status takes no modifiers: %q", str)
		}
		return StatusOffline, nil
	case "online":
		s = StatusOnline
	case "away":
		s = StatusOnline | StatusAway
	case "na":
		s = StatusOnline | StatusNA
	case "occupied":
		s = StatusOnline | StatusOccupied
	case "dnd":
		s = StatusOnline | StatusDND
	case "ffc":
		s = StatusOnline | StatusFFC
	default:
		return 0, fmt.Errorf("unknown status %q", str)
	}
	for _, m := range parts[1:] {
		switch m {
		case "invisible":
			s |= StatusInvisible
		case "idle":
			s |= StatusIdle
		default:
			return 0, fmt.Errorf("unknown status modifier %q", m)
		}
	}
	return s, nil
}
