package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	for _, test := range []struct {
		In      string
		Want    Level
		WantErr bool
	}{
		{"e", Error, false},
		{"WARN", Warn, false},
		{"info", Info, false},
		{"d", Debug, false},
		{"trace", MaxLevel, false},
		{"4", Level(4), false},
		{"10", 0, true},
		{"loud", 0, true},
	} {
		level, err := parseLevel(test.In)
		if test.WantErr {
			assert.Error(t, err, test.In)
			continue
		}
		assert.NoError(t, err, test.In)
		assert.Equal(t, test.Want, level, test.In)
	}
}

func TestLevelPresentation(t *testing.T) {
	for _, test := range []struct {
		Level  Level
		String string
		Letter byte
	}{
		{Error, "Error", 'E'},
		{Warn, "Warn", 'W'},
		{Info, "Info", 'I'},
		{Debug, "Debug", 'D'},
		{Debug + 1, "2", '2'},
		{MaxLevel, "9", '9'},
	} {
		assert.Equal(t, test.String, test.Level.String())
		assert.Equal(t, test.Letter, test.Level.letter(), test.String)
	}
	assert.Equal(t, ansiBoldRed, Error.color())
	assert.Equal(t, ansiYellow, MaxLevel.color())
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var out bytes.Buffer
	log := NewLogger("test", &out)
	log.Level = Info

	log.Debug("hidden %d", 1)
	log.Info("shown %d", 2)
	log.Error("failed")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if assert.Len(t, lines, 2) {
		assert.Contains(t, lines[0], "I/test[logger_test.go:")
		assert.True(t, strings.HasSuffix(lines[0], "shown 2"))
		assert.Contains(t, lines[1], "E/test")
	}
}

func TestTagDirectiveOverridesFallback(t *testing.T) {
	saved := tagLevels
	defer func() { tagLevels = saved }()

	assert.Error(t, Configure("dispatch=trace,bogus=??"))
	assert.Equal(t, MaxLevel, DefaultLogger.WithTag("dispatch").Level)
	assert.Equal(t, DefaultLogger.Level, DefaultLogger.WithTag("other").Level)
}
