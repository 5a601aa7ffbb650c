package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PollRate != time.Second {
		t.Errorf("PollRate = %v, want 1s", cfg.PollRate)
	}
	if len(cfg.Drivers) != 0 || len(cfg.Tags) != 0 {
		t.Error("default config is not empty")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Namespace = "plant1"
	cfg.PollRate = 500 * time.Millisecond
	cfg.AddDriver(DriverConfig{
		ID:         "sim1",
		Name:       "Line 1 Simulator",
		Protocol:   "uasim",
		Address:    "sim://demo",
		StaleAfter: 15 * time.Second,
		Params:     map[string]string{"seed": "empty"},
	})
	cfg.AddTag(TagConfig{
		Path:     "plant/line1/temp",
		DriverID: "sim1",
		Address:  "ns=2;s=Temp",
		PollRate: 250 * time.Millisecond,
		Metadata: []AttrPair{{Key: "units", Value: "degC"}, {Key: "area", Value: "line1"}},
	})
	cfg.MQTT = append(cfg.MQTT, MQTTConfig{Name: "local", Enabled: true, Broker: "localhost", Port: 1883, ClientID: "forgeio"})

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Namespace != "plant1" {
		t.Errorf("Namespace = %q", loaded.Namespace)
	}
	d := loaded.FindDriver("sim1")
	if d == nil {
		t.Fatal("driver sim1 missing after round trip")
	}
	if d.Params["seed"] != "empty" {
		t.Errorf("Params = %v", d.Params)
	}
	if d.StaleAfter != 15*time.Second {
		t.Errorf("StaleAfter = %v", d.StaleAfter)
	}
	// Load normalizes unset retry settings.
	if d.RetryAttempts != DefaultRetryAttempts {
		t.Errorf("RetryAttempts = %d, want default %d", d.RetryAttempts, DefaultRetryAttempts)
	}
	if d.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("ConnectTimeout = %v, want default", d.ConnectTimeout)
	}

	tc := loaded.FindTag("plant/line1/temp")
	if tc == nil {
		t.Fatal("tag missing after round trip")
	}
	if len(tc.Metadata) != 2 || tc.Metadata[0].Key != "units" || tc.Metadata[1].Key != "area" {
		t.Errorf("metadata order not preserved: %v", tc.Metadata)
	}
	if len(loaded.MQTT) != 1 || loaded.MQTT[0].Broker != "localhost" {
		t.Errorf("MQTT = %+v", loaded.MQTT)
	}
}

func TestAddRemove(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddDriver(DriverConfig{ID: "d1", Protocol: "uasim"})
	cfg.AddTag(TagConfig{Path: "a", DriverID: "d1", Address: "x"})

	if !cfg.RemoveTag("a") {
		t.Error("RemoveTag failed")
	}
	if cfg.RemoveTag("a") {
		t.Error("second RemoveTag succeeded")
	}
	if !cfg.RemoveDriver("d1") {
		t.Error("RemoveDriver failed")
	}
	if cfg.FindDriver("d1") != nil {
		t.Error("removed driver still found")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.AddDriver(DriverConfig{ID: "d1", Protocol: "uasim"})
		cfg.AddTag(TagConfig{Path: "a", DriverID: "d1", Address: "x"})
		return cfg
	}

	t.Run("valid config passes", func(t *testing.T) {
		if err := base().Validate(); err != nil {
			t.Errorf("Validate failed: %v", err)
		}
	})

	t.Run("duplicate driver id", func(t *testing.T) {
		cfg := base()
		cfg.AddDriver(DriverConfig{ID: "d1", Protocol: "uasim"})
		if err := cfg.Validate(); err == nil {
			t.Error("duplicate driver id accepted")
		}
	})

	t.Run("missing protocol", func(t *testing.T) {
		cfg := base()
		cfg.AddDriver(DriverConfig{ID: "d2"})
		if err := cfg.Validate(); err == nil {
			t.Error("missing protocol accepted")
		}
	})

	t.Run("duplicate tag path", func(t *testing.T) {
		cfg := base()
		cfg.AddTag(TagConfig{Path: "a", DriverID: "d1", Address: "y"})
		if err := cfg.Validate(); err == nil {
			t.Error("duplicate tag path accepted")
		}
	})

	t.Run("duplicate driver address", func(t *testing.T) {
		cfg := base()
		cfg.AddTag(TagConfig{Path: "b", DriverID: "d1", Address: "x"})
		if err := cfg.Validate(); err == nil {
			t.Error("two tags on one driver address accepted")
		}
		// The same address on another driver is fine.
		cfg = base()
		cfg.AddDriver(DriverConfig{ID: "d2", Protocol: "uasim"})
		cfg.AddTag(TagConfig{Path: "b", DriverID: "d2", Address: "x"})
		if err := cfg.Validate(); err != nil {
			t.Errorf("same address on distinct drivers rejected: %v", err)
		}
	})

	t.Run("tag referencing unknown driver", func(t *testing.T) {
		cfg := base()
		cfg.AddTag(TagConfig{Path: "b", DriverID: "ghost", Address: "y"})
		if err := cfg.Validate(); err == nil {
			t.Error("unknown driver reference accepted")
		}
	})

	t.Run("bad namespace", func(t *testing.T) {
		cfg := base()
		cfg.Namespace = "bad namespace!"
		if err := cfg.Validate(); err == nil {
			t.Error("invalid namespace accepted")
		}
	})
}

func TestNormalize(t *testing.T) {
	d := DriverConfig{ID: "d1", Protocol: "uasim", RetryBackoff: 0.5}
	d.Normalize()

	if d.RetryAttempts != DefaultRetryAttempts {
		t.Errorf("RetryAttempts = %d", d.RetryAttempts)
	}
	if d.RetryDelay != DefaultRetryDelay {
		t.Errorf("RetryDelay = %v", d.RetryDelay)
	}
	// A sub-1 multiplier would shrink delays; it resets to the default.
	if d.RetryBackoff != DefaultRetryBackoff {
		t.Errorf("RetryBackoff = %v", d.RetryBackoff)
	}
	if d.RetryDelayCap != DefaultRetryDelayCap {
		t.Errorf("RetryDelayCap = %v", d.RetryDelayCap)
	}
	if d.StaleAfter != DefaultStaleAfter {
		t.Errorf("StaleAfter = %v", d.StaleAfter)
	}

	// Explicit values survive.
	d2 := DriverConfig{RetryAttempts: 1, RetryDelay: time.Minute}
	d2.Normalize()
	if d2.RetryAttempts != 1 || d2.RetryDelay != time.Minute {
		t.Error("Normalize overwrote explicit settings")
	}
}

func TestIsValidNamespace(t *testing.T) {
	valid := []string{"plant1", "plant-1", "plant_1", "a.b.c", "ABC123"}
	for _, ns := range valid {
		if !IsValidNamespace(ns) {
			t.Errorf("IsValidNamespace(%q) = false", ns)
		}
	}
	invalid := []string{"", "has space", "slash/here", "colon:here", "semi;colon"}
	for _, ns := range invalid {
		if IsValidNamespace(ns) {
			t.Errorf("IsValidNamespace(%q) = true", ns)
		}
	}
}

func TestSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "config.yaml")
	cfg := DefaultConfig()
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file missing: %v", err)
	}
}
