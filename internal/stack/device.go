// Package stack implements the link-layer substrate shared by every
// protocol in the tree: device and interface registries, device
// open/close/output, and the protocol demultiplex + softirq dispatch
// path. Higher layers (arp, ip, icmp, udp, tcp) are built on top of it.
package stack

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// LinkType identifies the kind of link a Device drives.
type LinkType int

const (
	LinkLoopback LinkType = iota
	LinkEthernet
	LinkDummy
)

// Flags are per-device status and capability bits.
type Flags uint8

const (
	FlagUp Flags = 1 << iota
	FlagBroadcast
	FlagLoopback
	FlagNeedARP
)

// Ops is the operations vtable a driver supplies when registering a
// Device. Open and Close are optional (nil is a no-op); Transmit is
// mandatory.
type Ops struct {
	Open     func(dev *Device) error
	Close    func(dev *Device) error
	Transmit func(dev *Device, ethType uint16, payload []byte, dst net.HardwareAddr) error
}

// Device is a registered link-layer endpoint: a TAP, a loopback, or a
// dummy sink. It is allocated with Alloc and given identity by
// Register.
type Device struct {
	Index   int
	Name    string
	Type    LinkType
	Flags   Flags
	MTU     int
	HdrLen  int
	AddrLen int

	HWAddr    net.HardwareAddr
	BroadAddr net.HardwareAddr

	Ops  Ops
	Priv any // driver-private opaque state

	ifaces []Interface
}

// IsUp reports whether FlagUp is set.
func (d *Device) IsUp() bool { return d.Flags&FlagUp != 0 }

// NeedsARP reports whether the device requires link-address resolution
// before transmission (true for Ethernet, false for loopback/dummy).
func (d *Device) NeedsARP() bool { return d.Flags&FlagNeedARP != 0 }

// Alloc returns a zeroed Device ready for driver-specific configuration
// and Register.
func Alloc() *Device {
	return &Device{}
}

// AddIface attaches iface to the device, rejecting a second interface of
// the same family.
func (d *Device) AddIface(iface Interface) error {
	for _, existing := range d.ifaces {
		if existing.Family() == iface.Family() {
			return fmt.Errorf("stack: device %s already has a %v interface", d.Name, iface.Family())
		}
	}
	d.ifaces = append(d.ifaces, iface)
	return nil
}

// GetIface returns the first interface on the device matching family, or
// nil if none is bound.
func (d *Device) GetIface(family Family) Interface {
	for _, iface := range d.ifaces {
		if iface.Family() == family {
			return iface
		}
	}
	return nil
}

// Family identifies a network-layer protocol family attachable to a
// Device via an Interface.
type Family int

// FamilyIP is the only family this stack implements.
const FamilyIP Family = 1

// Interface is a per-family capability attached to a Device.
type Interface interface {
	Family() Family
	Device() *Device
}

// Registry owns the process-wide device and interface lists. Per spec
// §5, this registry is mutated under its mutex only during
// initialization; it is not locked on the hot input/output path.
type Registry struct {
	mu      sync.Mutex
	devices []*Device
	ipIface []*IPInterface
}

// NewRegistry constructs an empty device registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// ErrNotUp is returned by Output when the device is administratively
// down.
var ErrNotUp = errors.New("stack: device is not up")

// ErrMTUExceeded is returned by Output when the payload exceeds the
// device's MTU.
var ErrMTUExceeded = errors.New("stack: payload exceeds device mtu")

// Register assigns dev a monotonically increasing index and a
// "net<i>" name, and adds it to the registry's device list.
func (r *Registry) Register(dev *Device) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev.Index = len(r.devices)
	dev.Name = fmt.Sprintf("net%d", dev.Index)
	r.devices = append(r.devices, dev)
	return dev
}

// Devices returns a snapshot of the registered devices.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Open brings every registered device up, calling each one's Ops.Open.
// It is called once by Run, never by application code.
func (r *Registry) Open() error {
	for _, dev := range r.Devices() {
		if dev.Ops.Open != nil {
			if err := dev.Ops.Open(dev); err != nil {
				return fmt.Errorf("stack: opening device %s: %w", dev.Name, err)
			}
		}
		dev.Flags |= FlagUp
	}
	return nil
}

// Close brings every registered device down, calling each one's
// Ops.Close. It is called once by Shutdown.
func (r *Registry) Close() error {
	for _, dev := range r.Devices() {
		dev.Flags &^= FlagUp
		if dev.Ops.Close != nil {
			if err := dev.Ops.Close(dev); err != nil {
				return fmt.Errorf("stack: closing device %s: %w", dev.Name, err)
			}
		}
	}
	return nil
}

// Output transmits payload on dev, carrying ethType and addressed to
// dst. It rejects the call when the device is down or the payload
// exceeds the device MTU; otherwise it delegates to the driver.
func Output(dev *Device, ethType uint16, payload []byte, dst net.HardwareAddr) error {
	if !dev.IsUp() {
		return ErrNotUp
	}
	if len(payload) > dev.MTU {
		return ErrMTUExceeded
	}
	return dev.Ops.Transmit(dev, ethType, payload, dst)
}

// AddIPIface binds iface to its device and records it in the registry's
// global IP-interface list.
func (r *Registry) AddIPIface(iface *IPInterface) error {
	if err := iface.dev.AddIface(iface); err != nil {
		return err
	}
	r.mu.Lock()
	r.ipIface = append(r.ipIface, iface)
	r.mu.Unlock()
	return nil
}

// IPIfaces returns a snapshot of every registered IP interface.
func (r *Registry) IPIfaces() []*IPInterface {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*IPInterface, len(r.ipIface))
	copy(out, r.ipIface)
	return out
}
