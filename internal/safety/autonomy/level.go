package autonomy

import (
	"fmt"
	"strconv"
	"strings"
)

// Level is a rung of the autonomy ladder.
type Level int

const (
	LevelObserve              Level = 1
	LevelSuggest              Level = 2
	LevelCoPilot              Level = 3
	LevelSupervisedAutonomous Level = 4
	LevelAutonomous           Level = 5
)

var levelNames = map[Level]string{
	LevelObserve:              "OBSERVE",
	LevelSuggest:              "SUGGEST",
	LevelCoPilot:              "CO_PILOT",
	LevelSupervisedAutonomous: "SUPERVISED_AUTONOMOUS",
	LevelAutonomous:           "AUTONOMOUS",
}

// Levels lists the ladder bottom to top.
func Levels() []Level {
	return []Level{LevelObserve, LevelSuggest, LevelCoPilot, LevelSupervisedAutonomous, LevelAutonomous}
}

// Valid reports whether l is on the ladder.
func (l Level) Valid() bool {
	return l >= LevelObserve && l <= LevelAutonomous
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// Up returns the next rung, capped at AUTONOMOUS.
func (l Level) Up() Level {
	if l >= LevelAutonomous {
		return LevelAutonomous
	}
	return l + 1
}

// Down returns the previous rung, floored at OBSERVE.
func (l Level) Down() Level {
	if l <= LevelObserve {
		return LevelObserve
	}
	return l - 1
}

// ParseLevel accepts the ladder names (case-insensitive, '-' or '_') or the
// numeric rung.
func ParseLevel(s string) (Level, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for l, name := range levelNames {
		if name == norm {
			return l, nil
		}
	}
	if n, err := strconv.Atoi(norm); err == nil && Level(n).Valid() {
		return Level(n), nil
	}
	return 0, fmt.Errorf("unknown autonomy level %q", s)
}

// MarshalText encodes the level name. Off-ladder values are still encoded so
// that corrupted states can be logged and audited.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name or number.
func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
