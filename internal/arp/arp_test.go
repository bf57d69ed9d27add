package arp

import (
	"net"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/AlaAlba/microps/internal/sched"
	"github.com/AlaAlba/microps/internal/stack"
)

func newEthernetIface(t *testing.T, sent chan<- []byte) *stack.IPInterface {
	t.Helper()
	dev := stack.Alloc()
	dev.Type = stack.LinkEthernet
	dev.Flags = stack.FlagUp | stack.FlagBroadcast | stack.FlagNeedARP
	dev.MTU = 1500
	dev.HWAddr = mac("02:00:00:00:00:01")
	dev.BroadAddr = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	dev.Ops = stack.Ops{Transmit: func(_ *stack.Device, _ uint16, payload []byte, _ net.HardwareAddr) error {
		sent <- payload
		return nil
	}}
	return stack.NewIPInterface(dev, ip4(10, 0, 0, 1), net.CIDRMask(24, 32))
}

func TestArp_Resolve_MissSendsRequestAndReturnsIncomplete(t *testing.T) {
	t.Parallel()

	sent := make(chan []byte, 1)
	iface := newEthernetIface(t, sent)

	irqs := sched.NewIRQTable()
	defer irqs.Close()
	demux := stack.NewDemux(irqs)
	r := NewResolver(NewCache(clockwork.NewFakeClock()), demux, nil)

	_, status, err := r.Resolve(iface, ip4(10, 0, 0, 2))
	require.NoError(t, err)
	require.Equal(t, StatusIncomplete, status)

	select {
	case msg := <-sent:
		parsed, err := Unmarshal(msg)
		require.NoError(t, err)
		require.Equal(t, OpRequest, parsed.Op)
		require.True(t, parsed.TPA.Equal(ip4(10, 0, 0, 2)))
	default:
		t.Fatal("no arp request was sent")
	}
}

func TestArp_Resolve_HitReturnsFound(t *testing.T) {
	t.Parallel()

	sent := make(chan []byte, 1)
	iface := newEthernetIface(t, sent)

	irqs := sched.NewIRQTable()
	defer irqs.Close()
	demux := stack.NewDemux(irqs)
	cache := NewCache(clockwork.NewFakeClock())
	r := NewResolver(cache, demux, nil)

	cache.Insert(ip4(10, 0, 0, 2), mac("aa:bb:cc:dd:ee:02"))

	ha, status, err := r.Resolve(iface, ip4(10, 0, 0, 2))
	require.NoError(t, err)
	require.Equal(t, StatusFound, status)
	require.Equal(t, mac("aa:bb:cc:dd:ee:02"), ha)
}

func TestArp_Input_RequestForUsSendsReply(t *testing.T) {
	t.Parallel()

	sent := make(chan []byte, 2)
	iface := newEthernetIface(t, sent)

	irqs := sched.NewIRQTable()
	defer irqs.Close()
	demux := stack.NewDemux(irqs)
	r := NewResolver(NewCache(clockwork.NewFakeClock()), demux, nil)
	require.NoError(t, iface.Device().AddIface(iface))

	req := &Message{
		Op:  OpRequest,
		SHA: mac("aa:bb:cc:dd:ee:02"),
		SPA: ip4(10, 0, 0, 2),
		THA: make(net.HardwareAddr, 6),
		TPA: ip4(10, 0, 0, 1),
	}
	r.input(req.Marshal(), iface.Device())

	select {
	case payload := <-sent:
		reply, err := Unmarshal(payload)
		require.NoError(t, err)
		require.Equal(t, OpReply, reply.Op)
		require.True(t, reply.SPA.Equal(ip4(10, 0, 0, 1)))
		require.True(t, reply.TPA.Equal(ip4(10, 0, 0, 2)))
	default:
		t.Fatal("no arp reply was sent")
	}
}
