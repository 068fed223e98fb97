package xerrors

import (
	"errors"
	"runtime"
	"strings"
	"testing"
)

type stackCarrier interface{ StackPCs() []uintptr }
type pcCarrier interface{ PC() uintptr }

func stackHas(pcs []uintptr, fn string) bool {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.Contains(fr.Function, fn) {
			return true
		}
		if !more {
			return false
		}
	}
}

func TestStackCapture(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"New", New("boom")},
		{"Newf", Newf("port %d", 1)},
		{"WithStack", WithStack(errors.New("plain"))},
		{"EnsureTrace", EnsureTrace(errors.New("plain"))},
		{"E", E(KindConflict, "taken")},
		{"WithKind", WithKind(errors.New("plain"), KindNotFound)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sc stackCarrier
			if !errors.As(tt.err, &sc) || len(sc.StackPCs()) == 0 {
				t.Fatal("no stack captured")
			}
			if !stackHas(sc.StackPCs(), "TestStackCapture") {
				t.Fatal("stack does not reach the caller")
			}
		})
	}
}

func TestAnnotations(t *testing.T) {
	base := errors.New("connection refused")
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"Wrap", Wrap(base, "dial store"), "dial store: connection refused"},
		{"Wrapf", Wrapf(base, "fetch %s after %dms", "landing/home.html", 500), "fetch landing/home.html after 500ms: connection refused"},
		{"WrapKind", WrapKind(base, KindValidation, "read archive"), "read archive: connection refused"},
		{"WrapKind formatted", WrapKind(base, KindValidation, "open %s", "index.html"), "open index.html: connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.want {
				t.Fatalf("Error() = %q, want %q", tt.err.Error(), tt.want)
			}
			if !errors.Is(tt.err, base) {
				t.Fatal("cause lost")
			}
			pc, ok := tt.err.(pcCarrier)
			if !ok || pc.PC() == 0 {
				t.Fatal("caller not recorded")
			}
		})
	}
}

func TestNilPassesThrough(t *testing.T) {
	for name, err := range map[string]error{
		"WithStack":   WithStack(nil),
		"EnsureTrace": EnsureTrace(nil),
		"Wrap":        Wrap(nil, "x"),
		"Wrapf":       Wrapf(nil, "x %d", 1),
		"WrapKind":    WrapKind(nil, KindConflict, "x"),
		"WithKind":    WithKind(nil, KindConflict),
	} {
		if err != nil {
			t.Errorf("%s(nil) = %v", name, err)
		}
	}
}

func TestEnsureTrace_KeepsExistingStack(t *testing.T) {
	traced := New("already traced")
	if got := EnsureTrace(traced); got != traced { //nolint:errorlint // identity
		t.Fatal("EnsureTrace restacked a traced error")
	}

	// a stack deeper in the chain also counts
	wrapped := Wrap(traced, "publish")
	if got := EnsureTrace(wrapped); got != wrapped { //nolint:errorlint // identity
		t.Fatal("EnsureTrace restacked a wrapped traced error")
	}
}

func TestWrapKind_Classifies(t *testing.T) {
	err := Wrap(WrapKind(errors.New("zip: not a valid zip file"), KindValidation, "read zip archive"), "import")
	if KindOf(err) != KindValidation {
		t.Fatalf("KindOf = %v", KindOf(err))
	}
	if !errors.Is(err, ErrValidation) {
		t.Fatal("errors.Is(err, ErrValidation) = false")
	}
	var sc stackCarrier
	if errors.As(err, &sc) {
		t.Fatal("annotations should not carry a full stack")
	}
}
