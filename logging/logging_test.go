package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/dolphin2410/bukrs/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" INFO ":  zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"dpanic":  zapcore.DPanicLevel,
		"fatal":   zapcore.FatalLevel,
	}
	for in, want := range cases {
		got, err := parseLevel(in)
		if err != nil || got != want {
			t.Fatalf("parseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := parseLevel("verbose"); err == nil {
		t.Fatal("expect error for unknown level")
	}
}

func TestNewHonoursLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	logger, err := New(config.Log{Level: "warn"})
	if err != nil {
		t.Fatal(err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("info should be disabled at warn")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatal("warn should be enabled")
	}
}

func TestEnvOverridesLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	logger, err := New(config.Log{Level: "error", Development: true})
	if err != nil {
		t.Fatal(err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("env level not applied")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	if _, err := New(config.Log{Level: "chatty"}); err == nil {
		t.Fatal("expect error")
	}
}
