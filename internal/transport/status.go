package transport

import "fmt"

// Status is the connection state of a transport.
//
//	Loaded -> Starting -> Connected | Failed
//	Connected <-> Paused
//
// Stopping a transport forces Failed; there is no separate terminal state.
type Status int

const (
	StatusConnected Status = iota
	StatusFailed
	StatusStarting
	StatusLoaded
	StatusPaused
)

// String returns the lower-case status name.
func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	case StatusStarting:
		return "starting"
	case StatusLoaded:
		return "loaded"
	case StatusPaused:
		return "paused"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStatus is the inverse of String.
func ParseStatus(name string) (Status, error) {
	for s := StatusConnected; s <= StatusPaused; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	v, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
