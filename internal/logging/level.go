package logging

import (
	"fmt"
	"strconv"
	"strings"
)

// Logging level. Higher values indicate more verbosity.
type Level int

const (
	Error Level = iota - 2
	Warn
	Info
	Debug

	// Numeric trace levels run from Debug+1 up to MaxLevel.
	MaxLevel Level = 9
)

// Default level can be changed by environment variable.
var defaultLevel = Info

var (
	ansiRed     = []byte("\033[31m")
	ansiGreen   = []byte("\033[32m")
	ansiYellow  = []byte("\033[33m")
	ansiWhite   = []byte("\033[37m")
	ansiBoldRed = []byte("\033[1;31m")
	ansiReset   = []byte("\033[0m")
)

// Presentation of the named levels.
var named = [...]struct {
	name  string
	color []byte
}{
	Error - Error: {"Error", ansiBoldRed},
	Warn - Error:  {"Warn", ansiRed},
	Info - Error:  {"Info", ansiReset},
	Debug - Error: {"Debug", ansiGreen},
}

// parseLevel accepts a level name, its first letter, "trace" for MaxLevel, or
// a number between Error and MaxLevel.
func parseLevel(s string) (Level, error) {
	switch u := strings.ToUpper(s); {
	case u == "T" || u == "TRACE":
		return MaxLevel, nil
	case u != "":
		for i, n := range named {
			name := strings.ToUpper(n.name)
			if u == name || u == name[:1] {
				return Error + Level(i), nil
			}
		}
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("Invalid logging level: %s", s)
	}
	if l := Level(n); l >= Error && l <= MaxLevel {
		return l, nil
	}
	return 0, fmt.Errorf("Numeric level out of range: %s", s)
}

func (l Level) isNamed() bool {
	return l >= Error && l <= Debug
}

func (l Level) String() string {
	if l.isNamed() {
		return named[l-Error].name
	}
	return strconv.Itoa(int(l))
}

// letter tags each log line: E, W, I, D, or the digit of a trace level.
func (l Level) letter() byte {
	if l.isNamed() {
		return named[l-Error].name[0]
	}
	return byte('0' + l)
}

func (l Level) color() []byte {
	if l.isNamed() {
		return named[l-Error].color
	}
	return ansiYellow
}
