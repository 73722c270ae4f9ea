// Package ioapic implements component D: the one IOAPIC operation the
// core needs, mask-all-and-count, modeled as an in-memory redirection
// table (no IOREGSEL/IOWIN register access) serialized by one global
// spinlock.
package ioapic

import "github.com/partitionhv/parthv/internal/primitives"

// Redirection table entry fields the core cares about: only the mask
// bit. Device-model-level fields (vector, delivery mode, polarity)
// belong to the out-of-scope IOAPIC device model this core only
// drives the mask-all contract of.
type rte struct {
	masked bool
}

// Unit is one physical IOAPIC (one DRHD's companion interrupt
// controller).
type Unit struct {
	base   uint32 // MMIO base, used only as an identity key
	nrPins int
	rtes   []rte
}

// NewUnit constructs a unit that will expose nrPins redirection table
// entries, as discovered from its version register at init.
func NewUnit(base uint32, nrPins int) *Unit {
	return &Unit{base: base, nrPins: nrPins, rtes: make([]rte, nrPins)}
}

// Driver owns every IOAPIC unit on the platform plus the single global
// IOREGSEL/IOWIN spinlock.
type Driver struct {
	lock  primitives.Spinlock
	units []*Unit
	nrGSI int
}

// NewDriver constructs the driver over the board-enumerated IOAPIC
// units (discovery of the units themselves is ACPI/MADT parsing, out
// of scope per §1; the units are supplied already enumerated).
func NewDriver(units []*Unit) *Driver {
	d := &Driver{units: units}
	for _, u := range units {
		d.nrGSI += u.nrPins
	}
	return d
}

// Init masks every pin's redirection table entry across every unit.
// The platform-wide GSI count is computed earlier, by NewDriver, so
// NrGSI is already valid before Init runs.
func (d *Driver) Init() {
	f := d.lock.IRQSave()
	defer d.lock.IRQRestore(f)
	for _, u := range d.units {
		for i := range u.rtes {
			u.rtes[i].masked = true
		}
	}
}

// NrGSI returns the total GSI count across all IOAPIC units.
func (d *Driver) NrGSI() int { return d.nrGSI }

// IsMasked reports a pin's current mask state, for tests asserting the
// mask-all postcondition.
func (d *Driver) IsMasked(unitIdx, pin int) bool {
	f := d.lock.IRQSave()
	defer d.lock.IRQRestore(f)
	return d.units[unitIdx].rtes[pin].masked
}
