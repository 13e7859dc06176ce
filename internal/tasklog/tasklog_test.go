package tasklog

import (
	"bytes"
	"strings"
	"testing"
)

func TestBasicLoggerLevelGating(t *testing.T) {
	for _, test := range []struct {
		name    string
		level   Level
		logFunc func(Logger)
		want    bool
	}{
		{"debug filtered at info", Info, func(l Logger) { l.Debugf("x") }, false},
		{"info passes at info", Info, func(l Logger) { l.Infof("x") }, true},
		{"warning passes at info", Info, func(l Logger) { l.Warningf("x") }, true},
		{"debug passes at debug", Debug, func(l Logger) { l.Debugf("x") }, true},
	} {
		t.Run(test.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewBasicLogger(&buf, test.level, "")
			test.logFunc(l)
			got := buf.Len() > 0
			if got != test.want {
				t.Errorf("got output=%v, want %v (buf=%q)", got, test.want, buf.String())
			}
		})
	}
}

func TestBasicLoggerFatalfPanics(t *testing.T) {
	var buf bytes.Buffer
	l := NewBasicLogger(&buf, Info, "")
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Fatalf did not panic")
		}
	}()
	l.Fatalf("boom %d", 1)
}

func TestForTaskPrefixesTid(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewBasicLogger(&buf, Info, ""))
	defer SetDefault(NewBasicLogger(&buf, Info, ""))

	ForTask(42).Infof("hello")
	if !strings.Contains(buf.String(), "tid 42") {
		t.Errorf("expected tid 42 in output, got %q", buf.String())
	}
}
