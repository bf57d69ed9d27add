//go:build linux

package driver

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"

	"github.com/AlaAlba/microps/internal/stack"
)

// TapMTU is the default Ethernet MTU used when none is configured.
const TapMTU = 1500

const ethHdrLen = 14

type tap struct {
	file *os.File
	demux *stack.Demux

	closeOnce sync.Once
	done      chan struct{}
}

// OpenTap creates or attaches to a Linux TAP device named name, assigns
// it hwAddr, and wires its reader loop to feed demux via dev. The
// returned Device's Ops.Open starts the reader goroutine; Ops.Close
// stops it and closes the underlying file descriptor.
func OpenTap(name string, hwAddr net.HardwareAddr, demux *stack.Demux) (*stack.Device, error) {
	file, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("driver: opening /dev/net/tun: %w", err)
	}

	req, err := unix.NewIfreq(name)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("driver: building ifreq for %s: %w", name, err)
	}
	req.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(int(file.Fd()), unix.TUNSETIFF, req); err != nil {
		file.Close()
		return nil, fmt.Errorf("driver: TUNSETIFF on %s: %w", name, err)
	}

	t := &tap{file: file, demux: demux, done: make(chan struct{})}

	dev := stack.Alloc()
	dev.Type = stack.LinkEthernet
	dev.Flags = stack.FlagBroadcast | stack.FlagNeedARP
	dev.MTU = TapMTU
	dev.HdrLen = ethHdrLen
	dev.AddrLen = 6
	dev.HWAddr = append(net.HardwareAddr(nil), hwAddr...)
	dev.BroadAddr = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	dev.Priv = t
	dev.Ops = stack.Ops{
		Open:     t.open,
		Close:    t.close,
		Transmit: t.transmit,
	}
	return dev, nil
}

func (t *tap) open(dev *stack.Device) error {
	go t.readLoop(dev)
	return nil
}

func (t *tap) close(*stack.Device) error {
	t.closeOnce.Do(func() { close(t.done) })
	return t.file.Close()
}

// readLoop decodes the Ethernet framing off every frame read from the
// TAP file descriptor with gopacket and hands the payload to demux,
// until the file is closed.
func (t *tap) readLoop(dev *stack.Device) {
	buf := make([]byte, ethHdrLen+dev.MTU)
	for {
		n, err := t.file.Read(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			continue
		}
		pkt := gopacket.NewPacket(buf[:n], layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		ethLayer := pkt.Layer(layers.LayerTypeEthernet)
		if ethLayer == nil {
			continue
		}
		eth := ethLayer.(*layers.Ethernet)
		t.demux.Input(uint16(eth.EthernetType), eth.Payload, dev)
	}
}

// transmit wraps payload in an Ethernet frame via gopacket's layer
// serializer and writes it to the TAP file descriptor.
func (t *tap) transmit(dev *stack.Device, ethType uint16, payload []byte, dst net.HardwareAddr) error {
	eth := &layers.Ethernet{
		SrcMAC:       dev.HWAddr,
		DstMAC:       dst,
		EthernetType: layers.EthernetType(ethType),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{}
	if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("driver: serializing ethernet frame: %w", err)
	}
	_, err := t.file.Write(buf.Bytes())
	return err
}
