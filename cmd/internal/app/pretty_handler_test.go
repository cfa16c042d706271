package app

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	log := slog.New(h)

	log.Info("http.request", "method", "get", "status", 200, "path", "/healthz")

	out := buf.String()
	for _, want := range []string{"lvl=[INFO]", "msg=http.request", "method=GET", "status=200", "path=/healthz"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q: %q", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("plain output must not contain ANSI escapes: %q", out)
	}
}

func TestPrettyHandler_GroupsAndAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, nil, false)
	log := slog.New(h).With("svc", "alumnode").WithGroup("db")

	log.Info("pool.ready", "conns", 4)

	out := buf.String()
	if !strings.Contains(out, "svc=alumnode") {
		t.Fatalf("missing bound attr: %q", out)
	}
	if !strings.Contains(out, "db.conns=4") {
		t.Fatalf("missing grouped attr: %q", out)
	}
}

func TestPrettyHandler_LevelFilter(t *testing.T) {
	t.Parallel()

	h := newPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}, false)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info should be filtered at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("error should pass at warn level")
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"", `""`},
		{"has space", `"has space"`},
		{`k=v`, `"k=v"`},
	}
	for _, tc := range cases {
		if got := quoteIfNeeded(tc.in); got != tc.want {
			t.Fatalf("quoteIfNeeded(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestLevelTag_Plain(t *testing.T) {
	t.Parallel()

	cases := []struct {
		level slog.Level
		want  string
	}{
		{slog.LevelDebug, "[DEBUG]"},
		{slog.LevelInfo, "[INFO]"},
		{slog.LevelWarn, "[WARN]"},
		{slog.LevelError, "[ERROR]"},
	}
	for _, tc := range cases {
		if got := levelTag(tc.level, false); got != tc.want {
			t.Fatalf("levelTag(%v)=%q want=%q", tc.level, got, tc.want)
		}
	}
}

func TestValueToString_KnownKinds(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		v    slog.Value
		want string
	}{
		{slog.StringValue("x"), "x"},
		{slog.IntValue(-3), "-3"},
		{slog.BoolValue(true), "true"},
		{slog.DurationValue(2 * time.Second), "2s"},
		{slog.TimeValue(at), "2026-05-01T12:00:00Z"},
	}
	for _, tc := range cases {
		if got := valueToString(tc.v); got != tc.want {
			t.Fatalf("valueToString(%v)=%q want=%q", tc.v, got, tc.want)
		}
	}
}
