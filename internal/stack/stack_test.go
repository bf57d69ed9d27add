package stack

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AlaAlba/microps/internal/sched"
)

func TestStack_Registry_RegisterAssignsSequentialNames(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	a := reg.Register(Alloc())
	b := reg.Register(Alloc())

	require.Equal(t, "net0", a.Name)
	require.Equal(t, "net1", b.Name)
	require.Len(t, reg.Devices(), 2)
}

func TestStack_Registry_OpenSetsFlagUp(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	dev := reg.Register(Alloc())
	require.False(t, dev.IsUp())

	require.NoError(t, reg.Open())
	require.True(t, dev.IsUp())

	require.NoError(t, reg.Close())
	require.False(t, dev.IsUp())
}

func TestStack_Output_RejectsDownDevice(t *testing.T) {
	t.Parallel()

	dev := Alloc()
	dev.MTU = 1500
	dev.Ops = Ops{Transmit: func(*Device, uint16, []byte, net.HardwareAddr) error { return nil }}

	err := Output(dev, 0x0800, []byte("x"), nil)
	require.ErrorIs(t, err, ErrNotUp)
}

func TestStack_Output_RejectsOversizePayload(t *testing.T) {
	t.Parallel()

	dev := Alloc()
	dev.Flags = FlagUp
	dev.MTU = 4
	dev.Ops = Ops{Transmit: func(*Device, uint16, []byte, net.HardwareAddr) error { return nil }}

	err := Output(dev, 0x0800, []byte("12345"), nil)
	require.ErrorIs(t, err, ErrMTUExceeded)
}

func TestStack_AddIface_RejectsDuplicateFamily(t *testing.T) {
	t.Parallel()

	dev := Alloc()
	iface1 := NewIPInterface(dev, net.IPv4(10, 0, 0, 1), net.CIDRMask(24, 32))
	iface2 := NewIPInterface(dev, net.IPv4(10, 0, 0, 2), net.CIDRMask(24, 32))

	require.NoError(t, dev.AddIface(iface1))
	require.Error(t, dev.AddIface(iface2))
}

func TestStack_IPInterface_BroadcastDerivation(t *testing.T) {
	t.Parallel()

	dev := Alloc()
	iface := NewIPInterface(dev, net.IPv4(192, 168, 1, 10), net.CIDRMask(24, 32))
	require.True(t, iface.Broadcast().Equal(net.IPv4(192, 168, 1, 255)))
}

func TestStack_Demux_InputDispatchesByEtherType(t *testing.T) {
	t.Parallel()

	irqs := sched.NewIRQTable()
	defer irqs.Close()
	d := NewDemux(irqs)

	got := make(chan []byte, 1)
	d.Register(0x0800, func(payload []byte, dev *Device) { got <- payload })
	d.Register(0x0806, func(payload []byte, dev *Device) { t.Fatal("wrong handler invoked") })

	dev := Alloc()
	d.Input(0x0800, []byte("hello"), dev)

	select {
	case payload := <-got:
		require.Equal(t, []byte("hello"), payload)
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestStack_Demux_UnknownEtherTypeDropped(t *testing.T) {
	t.Parallel()

	irqs := sched.NewIRQTable()
	defer irqs.Close()
	d := NewDemux(irqs)

	d.Register(0x0800, func([]byte, *Device) { t.Fatal("should not be called") })
	d.Input(0x9999, []byte("x"), Alloc())

	time.Sleep(20 * time.Millisecond)
}
