package zway

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Command names understood by Z-Way virtual devices.
const (
	commandOn    = "on"
	commandOff   = "off"
	commandExact = "exact"
)

// CommandIssuer sends a command for one controller channel.
//
// Devices hold an issuer instead of a reference to the client so that a device
// can trigger commands without touching client state.
type CommandIssuer interface {
	Command(ctx context.Context, id, command string, value any) error
}

// Property is one controller channel within a device.
//
// Key is the controller's channel id (e.g. "ZWayVDev_zway_5-0-49-1") and is
// unique within a device. Name is the label used for publication and update
// requests; it falls back to Key.
type Property struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Device mirrors one physical controller node.
type Device struct {
	id     string
	issuer CommandIssuer

	mu         sync.RWMutex
	properties []Property

	// onChange is set before the device is published and never replaced.
	onChange func(d *Device, key string)
}

// NewDevice creates a device with the given initial properties.
// Initial properties never raise change notifications. A repeated key keeps
// its first position and name and takes the later value, as SetProperty would.
func NewDevice(id string, issuer CommandIssuer, properties ...Property) *Device {
	d := &Device{
		id:     id,
		issuer: issuer,
	}
	for _, p := range properties {
		if idx := d.indexLocked(p.Key); idx >= 0 {
			d.properties[idx].Value = p.Value
			continue
		}
		d.appendLocked(p)
	}
	return d
}

// ID returns the controller node id.
func (d *Device) ID() string {
	return d.id
}

// SetProperty records a value for a channel.
//
// An unknown key is appended silently. A known key with an equal value is a
// no-op. Otherwise the value is replaced and the change hook fires after the
// lock is released.
func (d *Device) SetProperty(key string, value any) {
	d.setProperty(Property{Key: key, Value: value})
}

// setProperty is SetProperty with a name used when the key is new.
func (d *Device) setProperty(p Property) {
	d.mu.Lock()
	idx := d.indexLocked(p.Key)
	if idx < 0 {
		d.appendLocked(p)
		d.mu.Unlock()
		return
	}
	if valuesEqual(d.properties[idx].Value, p.Value) {
		d.mu.Unlock()
		return
	}
	d.properties[idx].Value = p.Value
	hook := d.onChange
	d.mu.Unlock()

	if hook != nil {
		hook(d, p.Key)
	}
}

// Property returns the property stored under key.
func (d *Device) Property(key string) (Property, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if idx := d.indexLocked(key); idx >= 0 {
		return d.properties[idx], true
	}
	return Property{}, false
}

// HasProperty reports whether the device owns the channel key.
func (d *Device) HasProperty(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.indexLocked(key) >= 0
}

// Properties returns a copy of the device's properties in insertion order.
func (d *Device) Properties() []Property {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Property, len(d.properties))
	copy(out, d.properties)
	return out
}

// Snapshot returns the published view of the device: name to value.
// When names collide the later property wins.
func (d *Device) Snapshot() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]any, len(d.properties))
	for _, p := range d.properties {
		out[p.Name] = p.Value
	}
	return out
}

// MarshalJSON encodes the device as its snapshot.
func (d *Device) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Snapshot())
}

// ApplyUpdate asks the controller to move properties to the requested values.
//
// The update maps property names to desired values. Names the device does not
// have and values equal to the current ones are skipped. Each remaining entry
// becomes one command, issued concurrently; a failing command does not stop
// the others. ApplyUpdate returns after every command has settled, with the
// first error encountered.
//
// The stored values are not changed here. The controller reports the new
// values through its push stream or the next snapshot.
func (d *Device) ApplyUpdate(ctx context.Context, update map[string]any) error {
	type pending struct {
		key   string
		value any
	}

	d.mu.RLock()
	var todo []pending
	for name, want := range update {
		idx := d.lastByNameLocked(name)
		if idx < 0 || valuesEqual(d.properties[idx].Value, want) {
			continue
		}
		todo = append(todo, pending{key: d.properties[idx].Key, value: want})
	}
	d.mu.RUnlock()

	if len(todo) == 0 {
		return nil
	}
	if d.issuer == nil {
		return fmt.Errorf("%w: device %s has no command issuer", ErrCommandFailed, d.id)
	}

	var g errgroup.Group
	for _, p := range todo {
		p := p
		g.Go(func() error {
			command, arg, err := commandFor(p.value)
			if err != nil {
				return fmt.Errorf("property %s: %w", p.key, err)
			}
			return d.issuer.Command(ctx, p.key, command, arg)
		})
	}
	return g.Wait()
}

func (d *Device) appendLocked(p Property) {
	if p.Name == "" {
		p.Name = p.Key
	}
	d.properties = append(d.properties, p)
}

func (d *Device) indexLocked(key string) int {
	for i := range d.properties {
		if d.properties[i].Key == key {
			return i
		}
	}
	return -1
}

// lastByNameLocked matches the snapshot's last-write-wins rule.
func (d *Device) lastByNameLocked(name string) int {
	for i := len(d.properties) - 1; i >= 0; i-- {
		if d.properties[i].Name == name {
			return i
		}
	}
	return -1
}

// commandFor maps a desired value to a Z-Way command and its level argument.
//
//	true / false  -> on / off
//	number        -> exact?level=<n>
//	string        -> the string is the command (e.g. "open", "close")
func commandFor(value any) (string, any, error) {
	switch v := value.(type) {
	case bool:
		if v {
			return commandOn, nil, nil
		}
		return commandOff, nil, nil
	case string:
		if v == "" {
			return "", nil, fmt.Errorf("%w: empty command", ErrInvalidValue)
		}
		return v, nil, nil
	}
	if _, ok := toFloat(value); ok {
		return commandExact, value, nil
	}
	return "", nil, fmt.Errorf("%w: %T", ErrInvalidValue, value)
}

// valuesEqual compares property values, treating all numeric types alike.
func valuesEqual(a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	if aNum != bNum {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
