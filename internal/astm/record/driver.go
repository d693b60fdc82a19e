package record

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Driver is one codec variant. Configuration selects a driver by its stable
// registry key; the closed set of drivers is registered at startup, so there
// is no runtime class loading.
//
// Most analyzers speak textbook LIS2-A and use the generic driver unchanged.
// A variant overrides only what its instrument family deviates on: today the
// keep-alive identity, potentially field quirks later.
type Driver interface {
	// Name returns the registry key of the driver.
	Name() string

	// Parse decodes a framing-stripped payload.
	Parse(raw []byte) (*Message, error)

	// Build serializes a message to its wire payload.
	Build(msg *Message) []byte

	// NewKeepAlive builds the minimal H+L liveness message the driver's
	// instrument family expects.
	NewKeepAlive(now time.Time) *Message
}

// Driver registry keys.
const (
	DriverGeneric = "generic"
	DriverVision  = "vision"
)

var (
	driverMu sync.RWMutex
	drivers  = map[string]Driver{}
)

// RegisterDriver adds a driver to the registry. Registering a duplicate name
// panics; the registry is meant to be populated from init functions.
func RegisterDriver(d Driver) {
	driverMu.Lock()
	defer driverMu.Unlock()
	if _, dup := drivers[d.Name()]; dup {
		panic(fmt.Sprintf("record driver %q registered twice", d.Name()))
	}
	drivers[d.Name()] = d
}

// LookupDriver resolves a configured driver name. The empty string resolves
// to the generic driver.
func LookupDriver(name string) (Driver, error) {
	if name == "" {
		name = DriverGeneric
	}
	driverMu.RLock()
	defer driverMu.RUnlock()
	d, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown record driver %q (have %v)", name, driverNamesLocked())
	}
	return d, nil
}

// DriverNames lists the registered driver keys, sorted.
func DriverNames() []string {
	driverMu.RLock()
	defer driverMu.RUnlock()
	return driverNamesLocked()
}

func driverNamesLocked() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterDriver(&genericDriver{})
	RegisterDriver(&visionDriver{})
}

// genericDriver is the textbook LIS2-A codec.
type genericDriver struct{}

func (genericDriver) Name() string                       { return DriverGeneric }
func (genericDriver) Parse(raw []byte) (*Message, error) { return Parse(raw) }
func (genericDriver) Build(msg *Message) []byte          { return Build(msg) }

func (genericDriver) NewKeepAlive(now time.Time) *Message {
	msg := &Message{
		Header: &Header{
			DelimiterDef: DelimiterDefinition,
			ProcessingID: "P",
			Timestamp:    FormatTimestamp(now),
		},
		Terminator: &Terminator{},
		Orders:     []*Order{},
		Results:    []*Result{},
		Queries:    []*Query{},
	}
	msg.Type = MessageTypeKeepAlive
	return msg
}

// visionDriver speaks the Ortho VISION dialect. The record layer is plain
// LIS2-A; only the keep-alive header identity differs.
type visionDriver struct{}

func (visionDriver) Name() string                       { return DriverVision }
func (visionDriver) Parse(raw []byte) (*Message, error) { return Parse(raw) }
func (visionDriver) Build(msg *Message) []byte          { return Build(msg) }

func (visionDriver) NewKeepAlive(now time.Time) *Message {
	msg := &Message{
		Header: &Header{
			DelimiterDef:  DelimiterDefinition,
			SenderName:    "LIS^ASTMLINK",
			ProcessingID:  "P",
			VersionNumber: "LIS2-A",
			Timestamp:     FormatTimestamp(now),
		},
		Terminator: &Terminator{},
		Orders:     []*Order{},
		Results:    []*Result{},
		Queries:    []*Query{},
	}
	msg.Type = MessageTypeKeepAlive
	return msg
}
