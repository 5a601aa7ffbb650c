package engine

import (
	"fmt"

	"forgeio/config"
	"forgeio/driver"
	"forgeio/supervisor"
	"forgeio/tag"
)

// AddTag registers a tag at runtime and persists it to config.
func (e *Engine) AddTag(tc config.TagConfig) error {
	if tc.Path == "" {
		return fmt.Errorf("missing tag path")
	}
	if err := e.registerTag(tc); err != nil {
		return err
	}

	e.cfg.AddTag(tc)
	if e.configPath != "" {
		if err := e.cfg.Save(e.configPath); err != nil {
			e.logFn("Config save failed: %v", err)
		}
	}
	return nil
}

// RemoveTag takes a tag out of polling and drops it from the store and
// config. Returns false if the path was not registered.
func (e *Engine) RemoveTag(path string) bool {
	e.scheduler.RemoveTag(path)
	if !e.store.Unregister(path) {
		return false
	}

	e.cfg.RemoveTag(path)
	if e.configPath != "" {
		if err := e.cfg.Save(e.configPath); err != nil {
			e.logFn("Config save failed: %v", err)
		}
	}
	return true
}

// ReadTag returns a tag's current value.
func (e *Engine) ReadTag(path string) (tag.Value, bool) {
	return e.store.Read(path)
}

// WriteTag pushes a value to the device behind a tag.
func (e *Engine) WriteTag(path string, v tag.Variant) error {
	return e.gw.Write(path, v)
}

// Browse lists the children of a node in a driver's address space.
func (e *Engine) Browse(driverID, nodeID string) (*driver.BrowseNode, error) {
	return e.gw.Browse(driverID, nodeID)
}

// Discover asks a driver for pollable addresses.
func (e *Engine) Discover(driverID string) ([]driver.Candidate, error) {
	return e.gw.Discover(driverID)
}

// TagSnapshot returns a copy of every registered tag.
func (e *Engine) TagSnapshot() []tag.Tag {
	return e.store.SnapshotAll()
}

// DriverStates returns every driver's connection state.
func (e *Engine) DriverStates() map[string]supervisor.State {
	return e.supers.States()
}

// variantFromJSON converts a decoded JSON value (float64, bool, or string)
// into a variant of the requested kind. KindNull accepts any value and
// infers the kind from the JSON type.
func variantFromJSON(value interface{}, kind tag.Kind) (tag.Variant, error) {
	switch v := value.(type) {
	case float64:
		switch kind {
		case tag.KindInt:
			if v != float64(int64(v)) {
				return tag.Variant{}, fmt.Errorf("value %v is not an integer", v)
			}
			return tag.IntVariant(int64(v)), nil
		case tag.KindFloat, tag.KindNull:
			return tag.FloatVariant(v), nil
		case tag.KindBool:
			return tag.BoolVariant(v != 0), nil
		default:
			return tag.Variant{}, fmt.Errorf("cannot convert number to %s", kind)
		}
	case bool:
		if kind != tag.KindBool && kind != tag.KindNull {
			return tag.Variant{}, fmt.Errorf("cannot convert boolean to %s", kind)
		}
		return tag.BoolVariant(v), nil
	case string:
		if kind != tag.KindText && kind != tag.KindNull {
			return tag.Variant{}, fmt.Errorf("cannot convert string to %s", kind)
		}
		return tag.TextVariant(v), nil
	default:
		return tag.Variant{}, fmt.Errorf("unsupported value type: %T", value)
	}
}
