package stack

import "net"

// IPInterface is the IP family's per-device capability: a unicast
// address, subnet mask, and the broadcast address derived from them.
type IPInterface struct {
	dev      *Device
	Unicast  net.IP
	Netmask  net.IPMask
	Broaddst net.IP
}

// NewIPInterface derives Broaddst (unicast | ^netmask) and returns an
// interface ready for Registry.AddIPIface.
func NewIPInterface(dev *Device, unicast net.IP, netmask net.IPMask) *IPInterface {
	unicast = unicast.To4()
	bcast := make(net.IP, 4)
	for i := range bcast {
		bcast[i] = unicast[i] | ^netmask[i]
	}
	return &IPInterface{dev: dev, Unicast: unicast, Netmask: netmask, Broaddst: bcast}
}

func (i *IPInterface) Family() Family  { return FamilyIP }
func (i *IPInterface) Device() *Device { return i.dev }

// Broadcast returns the interface's directed broadcast address.
func (i *IPInterface) Broadcast() net.IP { return i.Broaddst }
