package logging

import (
	"bytes"
	"errors"
	"testing"
)

func TestNewWritesTaggedLines(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "queue")
	l.Info("dispatched command", "cmd", "G0 X10")
	if buf.Len() == 0 {
		t.Fatal("expected log output, got none")
	}
	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("dispatched command")) {
		t.Errorf("expected message in output, got: %s", out)
	}
}

func TestErrorIncludesErr(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "transport")
	l.Error("reconnect failed", errors.New("boom"))
	if !bytes.Contains(buf.Bytes(), []byte("boom")) {
		t.Errorf("expected wrapped error text in output, got: %s", buf.String())
	}
}

func TestOrNopHandlesNil(t *testing.T) {
	l := OrNop(nil)
	if l == nil {
		t.Fatal("OrNop(nil) must not return nil")
	}
	l.Info("should not panic")
	l.With("child").Warn("still fine")
}

func TestWithAddsSubcomponent(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "job")
	child := l.With("autosave")
	child.Debug("tick")
	if !bytes.Contains(buf.Bytes(), []byte("autosave")) {
		t.Errorf("expected subcomponent in output, got: %s", buf.String())
	}
}
