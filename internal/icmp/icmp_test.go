package icmp

import (
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/AlaAlba/microps/internal/arp"
	"github.com/AlaAlba/microps/internal/ip"
	"github.com/AlaAlba/microps/internal/sched"
	"github.com/AlaAlba/microps/internal/stack"
)

func TestICMP_Message_MarshalThenParseRoundTrips(t *testing.T) {
	t.Parallel()

	msg := &Message{Type: TypeEcho, Code: 0, ID: 7, Seq: 3, Data: []byte("payload")}
	parsed, err := Parse(msg.Marshal())
	require.NoError(t, err)
	require.Equal(t, msg.Type, parsed.Type)
	require.Equal(t, msg.ID, parsed.ID)
	require.Equal(t, msg.Seq, parsed.Seq)
	require.Equal(t, msg.Data, parsed.Data)
}

func TestICMP_Parse_RejectsBadChecksum(t *testing.T) {
	t.Parallel()

	msg := &Message{Type: TypeEcho, ID: 1, Seq: 1}
	raw := msg.Marshal()
	raw[2] ^= 0xff
	_, err := Parse(raw)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestICMP_Service_EchoRequestGetsEchoReply(t *testing.T) {
	t.Parallel()

	irqs := sched.NewIRQTable()
	defer irqs.Close()
	demux := stack.NewDemux(irqs)
	resolver := arp.NewResolver(arp.NewCache(clockwork.NewFakeClock()), demux, nil)
	router := ip.NewRouter(resolver, ip.NewTable(), demux, nil)

	sent := make(chan []byte, 1)
	dev := stack.Alloc()
	dev.Flags = stack.FlagUp | stack.FlagLoopback
	dev.MTU = 65535
	dev.Ops = stack.Ops{Transmit: func(_ *stack.Device, _ uint16, payload []byte, _ net.HardwareAddr) error {
		sent <- payload
		return nil
	}}
	iface := stack.NewIPInterface(dev, net.IPv4(127, 0, 0, 1), net.CIDRMask(8, 32))
	require.NoError(t, dev.AddIface(iface))
	router.Routes().AddConnected(iface)

	NewService(router, nil)

	req := &Message{Type: TypeEcho, ID: 1, Seq: 1, Data: []byte("ping")}
	raw := ip.BuildHeader(1, ip.ProtoICMP, net.IPv4(127, 0, 0, 2), iface.Unicast, len(req.Marshal()))
	datagram := append(raw, req.Marshal()...)

	demux.Input(ip.EtherType, datagram, dev)

	select {
	case reply := <-sent:
		_, body, err := ip.ParseHeader(reply)
		require.NoError(t, err)
		msg, err := Parse(body)
		require.NoError(t, err)
		require.Equal(t, TypeEchoReply, msg.Type)
		require.Equal(t, req.ID, msg.ID)
		require.Equal(t, req.Data, msg.Data)
	case <-time.After(time.Second):
		t.Fatal("no echo reply was transmitted")
	}
}
