package envconfig

import (
	"log/slog"
	"testing"
)

func TestVar(t *testing.T) {
	cases := map[string]string{
		"":           "",
		"value":      "value",
		"  value  ":  "value",
		`"quoted"`:   "quoted",
		`'single'`:   "single",
		` "spaced" `: "spaced",
	}
	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			t.Setenv("DIP_TEST_VAR", in)
			if got := Var("DIP_TEST_VAR"); got != want {
				t.Fatalf("Var(%q) = %q, want %q", in, got, want)
			}
		})
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"0":     slog.LevelInfo,
		"true":  slog.LevelDebug,
		"1":     slog.LevelDebug,
		"2":     slog.Level(-8),
		"junk":  slog.LevelInfo,
	}
	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			t.Setenv("DIP_DEBUG", in)
			if got := LogLevel(); got != want {
				t.Fatalf("LogLevel() with %q = %v, want %v", in, got, want)
			}
		})
	}
}

func TestSeed(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		t.Setenv("DIP_SEED", "")
		if got := Seed(); got != 0 {
			t.Fatalf("Seed() = %d, want 0", got)
		}
	})
	t.Run("negative", func(t *testing.T) {
		t.Setenv("DIP_SEED", "-42")
		if got := Seed(); got != -42 {
			t.Fatalf("Seed() = %d, want -42", got)
		}
	})
	t.Run("invalid", func(t *testing.T) {
		t.Setenv("DIP_SEED", "abc")
		if got := Seed(); got != 0 {
			t.Fatalf("Seed() = %d, want default 0", got)
		}
	})
}

func TestEpochs(t *testing.T) {
	t.Setenv("DIP_EPOCHS", "35")
	if got := Epochs(); got != 35 {
		t.Fatalf("Epochs() = %d, want 35", got)
	}
	t.Setenv("DIP_EPOCHS", "-1")
	if got := Epochs(); got != 0 {
		t.Fatalf("Epochs() = %d, want default 0", got)
	}
}

func TestValues(t *testing.T) {
	t.Setenv("DIP_SEED", "7")
	vals := Values()
	if vals["DIP_SEED"] != "7" {
		t.Fatalf("Values()[DIP_SEED] = %q, want 7", vals["DIP_SEED"])
	}
	for _, key := range []string{"DIP_DEBUG", "DIP_SEED", "DIP_EPOCHS"} {
		if _, ok := vals[key]; !ok {
			t.Fatalf("Values() missing %s", key)
		}
	}
}
