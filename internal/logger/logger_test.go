package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestSlogBridge_CarriesContextFields(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "debug", Namespace: "films", Component: "geoindex"}, &buf)
	log := NewSlog(&zl)

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithQueryKind(ctx, "box")
	log.InfoContext(ctx, "query served", "cells", 12, "partial", false)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	want := map[string]any{
		"msg":        "query served",
		"namespace":  "films",
		"component":  "geoindex",
		"request_id": "req-1",
		"query_kind": "box",
		"cells":      float64(12),
		"partial":    false,
		"level":      "info",
	}
	for k, v := range want {
		if line[k] != v {
			t.Fatalf("field %q=%v want %v (line=%s)", k, line[k], v, buf.String())
		}
	}
}

func TestWithRequestID_GeneratesWhenEmpty(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	if id := RequestID(ctx); len(id) != 16 {
		t.Fatalf("generated id %q should be 16 hex chars", id)
	}
}

func TestSlogBridge_LevelAndGroups(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "warn"}, &buf)
	log := NewSlog(&zl)

	if log.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info must be disabled at warn level")
	}
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %s", buf.String())
	}

	log.WithGroup("store").Warn("slow op", "op", "query", "took", 1500*time.Millisecond, "err", errors.New("boom"))
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["store.op"] != "query" || line["store.err"] != "boom" || line["level"] != "warn" {
		t.Fatalf("unexpected line %s", buf.String())
	}
	if _, ok := line["store.took"]; !ok {
		t.Fatalf("duration attr missing: %s", buf.String())
	}

	// restore for the other tests in the package
	_ = Build(Config{Level: "debug"}, &bytes.Buffer{})
}
