package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestNew_SetsGlobalLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":      zerolog.InfoLevel,
		"debug": zerolog.DebugLevel,
		"Warn":  zerolog.WarnLevel,
		"ERROR": zerolog.ErrorLevel,
	}

	for input, want := range cases {
		t.Run("level_"+input, func(t *testing.T) {
			prev := zerolog.GlobalLevel()
			t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

			var buf bytes.Buffer
			if _, err := New("production", input, &buf); err != nil {
				t.Fatalf("New() error for %q: %v", input, err)
			}
			if got := zerolog.GlobalLevel(); got != want {
				t.Fatalf("global level = %s, want %s", got, want)
			}
		})
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	if _, err := New("production", "loud"); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestNew_WritesJSONWithServiceField(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	var buf bytes.Buffer
	log, err := New("production", "info", &buf)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	log.Info().Str("message_id", "m-1").Msg("sent")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON line, got %q: %v", buf.String(), err)
	}
	if line["service"] != "whatsapp-queue" {
		t.Fatalf("unexpected service field: %v", line["service"])
	}
	if line["message_id"] != "m-1" {
		t.Fatalf("unexpected message_id field: %v", line["message_id"])
	}
}
