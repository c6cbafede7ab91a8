package logx

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func bufLogger(buf *bytes.Buffer, level zerolog.Level) Logger {
	// Match the production constructors (New, NewConsole), which set the
	// error field name globally; building the logger directly would
	// otherwise leave zerolog's default "error" key in place.
	zerolog.ErrorFieldName = "err"
	zl := zerolog.New(buf).Level(level)
	return Logger{base: zl, hasBase: true}
}

func TestLoggerWritesAtEachLevel(t *testing.T) {
	var buf bytes.Buffer
	l := bufLogger(&buf, zerolog.DebugLevel)

	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e", Err(errors.New("boom")))

	out := buf.String()
	for _, want := range []string{
		`"level":"debug"`, `"level":"info"`, `"level":"warn"`, `"level":"error"`,
		`"message":"d"`, `"message":"i"`, `"message":"w"`, `"message":"e"`,
		`"err":"boom"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %s:\n%s", want, out)
		}
	}
}

func TestLoggerLevelGate(t *testing.T) {
	var buf bytes.Buffer
	l := bufLogger(&buf, zerolog.WarnLevel)

	l.Debug("nope")
	l.Info("nope")
	if buf.Len() != 0 {
		t.Fatalf("sub-warn events should be dropped, got %q", buf.String())
	}

	l.Warn("yes")
	if !strings.Contains(buf.String(), `"message":"yes"`) {
		t.Fatalf("warn event missing: %q", buf.String())
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := bufLogger(&buf, zerolog.InfoLevel).With(String("comp", "watch"))

	l.Info("cycle", Int("subs", 3))

	out := buf.String()
	if !strings.Contains(out, `"comp":"watch"`) {
		t.Fatalf("derived field missing: %q", out)
	}
	if !strings.Contains(out, `"subs":3`) {
		t.Fatalf("call-site field missing: %q", out)
	}

	// The parent logger must not inherit the derived fields.
	buf.Reset()
	bufLogger(&buf, zerolog.InfoLevel).Info("plain")
	if strings.Contains(buf.String(), "comp") {
		t.Fatalf("parent logger leaked derived field: %q", buf.String())
	}
}

func TestNopAndZeroLoggerAreSilent(t *testing.T) {
	Nop().Error("ignored")

	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	zero.Info("ignored")
	zero.With(String("k", "v")).Warn("ignored")
}
