package driver

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AlaAlba/microps/internal/sched"
	"github.com/AlaAlba/microps/internal/stack"
)

func TestDriver_Loopback_TransmitReplaysIntoDemux(t *testing.T) {
	t.Parallel()

	irqs := sched.NewIRQTable()
	defer irqs.Close()
	demux := stack.NewDemux(irqs)

	got := make(chan []byte, 1)
	demux.Register(0x9999, func(payload []byte, _ *stack.Device) { got <- payload })

	dev := NewLoopback(demux, irqs)
	require.NoError(t, stack.Output(withUp(dev), 0x9999, []byte("loop"), nil))

	select {
	case payload := <-got:
		require.Equal(t, []byte("loop"), payload)
	case <-time.After(time.Second):
		t.Fatal("loopback frame was never replayed into the demux")
	}
}

func withUp(dev *stack.Device) *stack.Device {
	dev.Flags |= stack.FlagUp
	return dev
}

func TestDriver_Dummy_TransmitDiscardsSilently(t *testing.T) {
	t.Parallel()

	dev := NewDummy()
	dev.Flags |= stack.FlagUp
	require.NoError(t, stack.Output(dev, 0x0800, make([]byte, 100), net.HardwareAddr{1, 2, 3, 4, 5, 6}))
}

func TestDriver_Dummy_TransmitRejectsOversizePayload(t *testing.T) {
	t.Parallel()

	dev := NewDummy()
	dev.Flags |= stack.FlagUp
	err := stack.Output(dev, 0x0800, make([]byte, DummyMTU+1), nil)
	require.ErrorIs(t, err, stack.ErrMTUExceeded)
}
