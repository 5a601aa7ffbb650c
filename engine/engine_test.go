package engine

import (
	"path/filepath"
	"testing"
	"time"

	"forgeio/config"
	"forgeio/tag"
	"forgeio/uasim"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Namespace = "test"
	cfg.PollRate = 10 * time.Millisecond
	cfg.AddDriver(config.DriverConfig{
		ID:             "sim1",
		Name:           "Simulator",
		Protocol:       uasim.Protocol,
		RetryAttempts:  2,
		RetryDelay:     5 * time.Millisecond,
		RetryBackoff:   2.0,
		RetryDelayCap:  20 * time.Millisecond,
		ConnectTimeout: 100 * time.Millisecond,
		StaleAfter:     60 * time.Millisecond,
	})
	cfg.AddTag(config.TagConfig{
		Path:     "plant/line1/temp",
		DriverID: "sim1",
		Address:  "ns=2;s=Temp",
	})
	return cfg
}

func startEngine(t *testing.T, cfg *config.Config, configPath string) *Engine {
	t.Helper()
	eng := New(Config{AppConfig: cfg, ConfigPath: configPath})
	if err := eng.Start(); err != nil {
		t.Fatalf("engine start failed: %v", err)
	}
	t.Cleanup(eng.Stop)
	return eng
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngineEndToEnd(t *testing.T) {
	eng := startEngine(t, testConfig(), "")

	waitFor(t, 2*time.Second, "configured tag to go Good", func() bool {
		v, ok := eng.ReadTag("plant/line1/temp")
		return ok && v.Quality == tag.QualityGood
	})

	t.Run("browse", func(t *testing.T) {
		node, err := eng.Browse("sim1", "")
		if err != nil {
			t.Fatalf("browse failed: %v", err)
		}
		if len(node.Children) == 0 {
			t.Error("no children under root")
		}
	})

	t.Run("discover", func(t *testing.T) {
		cands, err := eng.Discover("sim1")
		if err != nil {
			t.Fatalf("discover failed: %v", err)
		}
		if len(cands) != 5 {
			t.Errorf("candidates = %d, want 5", len(cands))
		}
	})

	t.Run("write", func(t *testing.T) {
		if err := eng.WriteTag("plant/line1/temp", tag.FloatVariant(25.5)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		v, _ := eng.ReadTag("plant/line1/temp")
		if got, _ := v.Variant.Float(); got != 25.5 {
			t.Errorf("value = %v, want 25.5", v.Variant)
		}
	})

	t.Run("snapshot and states", func(t *testing.T) {
		if snap := eng.TagSnapshot(); len(snap) != 1 {
			t.Errorf("snapshot = %d tags, want 1", len(snap))
		}
		states := eng.DriverStates()
		if !states["sim1"].Ready() {
			t.Errorf("sim1 state = %s, want ready", states["sim1"])
		}
	})
}

func TestEngineRuntimeTagManagement(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	cfg := testConfig()
	eng := startEngine(t, cfg, configPath)

	if err := eng.AddTag(config.TagConfig{
		Path:     "plant/line1/speed",
		DriverID: "sim1",
		Address:  "ns=2;s=Speed",
	}); err != nil {
		t.Fatalf("AddTag failed: %v", err)
	}

	waitFor(t, 2*time.Second, "new tag to go Good", func() bool {
		v, ok := eng.ReadTag("plant/line1/speed")
		return ok && v.Quality == tag.QualityGood
	})

	// The change was persisted.
	saved, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("load saved config: %v", err)
	}
	if saved.FindTag("plant/line1/speed") == nil {
		t.Error("added tag not persisted")
	}

	t.Run("duplicate rejected", func(t *testing.T) {
		err := eng.AddTag(config.TagConfig{Path: "plant/line1/speed", DriverID: "sim1", Address: "ns=2;s=Other"})
		if err == nil {
			t.Error("duplicate path accepted")
		}
	})

	t.Run("unknown driver rejected", func(t *testing.T) {
		err := eng.AddTag(config.TagConfig{Path: "plant/x", DriverID: "ghost", Address: "ns=2;s=Temp"})
		if err == nil {
			t.Error("unknown driver accepted")
		}
		if _, ok := eng.ReadTag("plant/x"); ok {
			t.Error("rejected tag is readable")
		}
	})

	t.Run("remove", func(t *testing.T) {
		if !eng.RemoveTag("plant/line1/speed") {
			t.Fatal("RemoveTag failed")
		}
		if _, ok := eng.ReadTag("plant/line1/speed"); ok {
			t.Error("removed tag still readable")
		}
		if eng.RemoveTag("plant/line1/speed") {
			t.Error("second remove succeeded")
		}
	})
}

func TestVariantFromJSON(t *testing.T) {
	tests := []struct {
		name    string
		value   interface{}
		kind    tag.Kind
		want    tag.Variant
		wantErr bool
	}{
		{"float to float", 2.5, tag.KindFloat, tag.FloatVariant(2.5), false},
		{"whole number to int", float64(42), tag.KindInt, tag.IntVariant(42), false},
		{"fractional to int", 2.5, tag.KindInt, tag.Variant{}, true},
		{"number to bool", float64(1), tag.KindBool, tag.BoolVariant(true), false},
		{"zero to bool", float64(0), tag.KindBool, tag.BoolVariant(false), false},
		{"bool to bool", true, tag.KindBool, tag.BoolVariant(true), false},
		{"bool to int", true, tag.KindInt, tag.Variant{}, true},
		{"string to text", "idle", tag.KindText, tag.TextVariant("idle"), false},
		{"string to float", "idle", tag.KindFloat, tag.Variant{}, true},
		{"number to unpinned", 1.5, tag.KindNull, tag.FloatVariant(1.5), false},
		{"string to unpinned", "x", tag.KindNull, tag.TextVariant("x"), false},
		{"nil value", nil, tag.KindInt, tag.Variant{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := variantFromJSON(tt.value, tt.kind)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
