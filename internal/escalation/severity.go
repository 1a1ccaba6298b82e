package escalation

import (
	"fmt"
	"strings"
)

// Severity is the closed set of escalation levels.
type Severity uint8

const (
	Info Severity = iota
	Warning
	Alert
)

// Escalate returns the next level. Alert stays Alert.
func (s Severity) Escalate() Severity {
	if s >= Alert {
		return Alert
	}
	return s + 1
}

func (s Severity) Valid() bool { return s <= Alert }

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Alert:
		return "alert"
	default:
		return fmt.Sprintf("severity(%d)", uint8(s))
	}
}

// ParseSeverity accepts the String() form, case-insensitive.
func ParseSeverity(raw string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "info":
		return Info, nil
	case "warning", "warn":
		return Warning, nil
	case "alert":
		return Alert, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", raw)
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid severity %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
