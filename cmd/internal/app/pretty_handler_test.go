package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("session_id", "s1").WithGroup("room").Warn("typing.stop", "id", "r1", "reason", "ttl expired", "duration_ms", 1500)

	line := buf.String()
	for _, want := range []string{
		"lvl=[WARN]",
		"msg=typing.stop",
		"session_id=s1",
		"room.id=r1",
		`room.reason="ttl expired"`,
		"room.duration_ms=1500",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("unexpected ANSI codes in plain output: %q", line)
	}
}

func TestPrettyHandler_ColorizesStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Info("http.request", "status", 503, "duration_ms", 12)

	line := buf.String()
	if !strings.Contains(line, ansiRed+"503"+ansiReset) {
		t.Fatalf("expected red 503 in %q", line)
	}
	if !strings.Contains(stripANSI(line), "duration=12ms") {
		t.Fatalf("expected remapped duration in %q", stripANSI(line))
	}
}

func TestPrettyHandler_Enabled(t *testing.T) {
	t.Parallel()

	h := newPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}, false)
	if h.Enabled(t.Context(), slog.LevelInfo) {
		t.Fatalf("info must be disabled at warn level")
	}
	if !h.Enabled(t.Context(), slog.LevelError) {
		t.Fatalf("error must be enabled at warn level")
	}
}

func TestPrettyHandler_EventFamilyAndWireCode(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Warn("message.send.reject", "code", "not_a_member", "close_status", 4001)

	line := buf.String()
	if !strings.Contains(line, ansiBlue+"message.send.reject"+ansiReset) {
		t.Fatalf("expected message family tint in %q", line)
	}
	if !strings.Contains(line, ansiYellow+"not_a_member"+ansiReset) {
		t.Fatalf("expected yellow wire code in %q", line)
	}
	if got := stripANSI(line); !strings.Contains(got, "code=not_a_member close_status=4001") {
		t.Fatalf("plain rendering=%q", got)
	}
}
