// Package icmp implements the Echo/EchoReply subset of ICMP described in
// §4.8: inbound Echo requests are answered with a verbatim copy of their
// identifier, sequence, and data, and outbound Echo requests can be
// issued by the application layer through Service.Echo.
package icmp

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"net"

	"github.com/AlaAlba/microps/internal/chksum"
	"github.com/AlaAlba/microps/internal/ip"
	"github.com/AlaAlba/microps/internal/stack"
)

// Type values this stack understands. Any other type is dropped.
const (
	TypeEchoReply uint8 = 0
	TypeEcho      uint8 = 8
)

// HdrLen is the fixed 8-byte ICMP header length (type, code, checksum,
// identifier, sequence); the remainder of the message is opaque data.
const HdrLen = 8

// ErrMalformed is returned by Parse for anything shorter than HdrLen or
// carrying a bad checksum.
var ErrMalformed = errors.New("icmp: malformed message")

// Message is a parsed ICMP Echo/EchoReply packet.
type Message struct {
	Type uint8
	Code uint8
	ID   uint16
	Seq  uint16
	Data []byte
}

// Parse validates b's checksum and decodes it as an ICMP message.
func Parse(b []byte) (*Message, error) {
	if len(b) < HdrLen {
		return nil, ErrMalformed
	}
	if !chksum.Verify(b) {
		return nil, ErrMalformed
	}
	return &Message{
		Type: b[0],
		Code: b[1],
		ID:   binary.BigEndian.Uint16(b[4:6]),
		Seq:  binary.BigEndian.Uint16(b[6:8]),
		Data: append([]byte(nil), b[8:]...),
	}, nil
}

// Marshal serializes m into its wire format, computing the checksum over
// the whole message.
func (m *Message) Marshal() []byte {
	b := make([]byte, HdrLen+len(m.Data))
	b[0] = m.Type
	b[1] = m.Code
	binary.BigEndian.PutUint16(b[4:6], m.ID)
	binary.BigEndian.PutUint16(b[6:8], m.Seq)
	copy(b[8:], m.Data)
	sum := chksum.Sum(b, 0)
	binary.BigEndian.PutUint16(b[2:4], sum)
	return b
}

// Service binds the Echo/EchoReply handler to an ip.Router.
type Service struct {
	router *ip.Router
	log    *slog.Logger
}

// NewService constructs a Service and registers it with router at the
// ICMP protocol number.
func NewService(router *ip.Router, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{router: router, log: log.With("component", "icmp")}
	router.RegisterProtocol(ip.ProtoICMP, s.input)
	return s
}

// input implements §4.8: a well-formed Echo request is answered with
// type EchoReply and the same code, id, sequence, and data, with source
// and destination swapped; every other type is silently dropped.
func (s *Service) input(payload []byte, src, dst net.IP, iface *stack.IPInterface) {
	msg, err := Parse(payload)
	if err != nil {
		s.log.Debug("dropping malformed icmp message", "error", err)
		return
	}
	if msg.Type != TypeEcho {
		return
	}
	reply := &Message{
		Type: TypeEchoReply,
		Code: msg.Code,
		ID:   msg.ID,
		Seq:  msg.Seq,
		Data: msg.Data,
	}
	if err := s.router.Output(ip.ProtoICMP, reply.Marshal(), dst, src); err != nil {
		s.log.Debug("failed to send echo reply", "dst", src, "error", err)
	}
}

// Echo sends an Echo request carrying id, seq, and data from src to dst.
func (s *Service) Echo(src, dst net.IP, id, seq uint16, data []byte) error {
	msg := &Message{Type: TypeEcho, ID: id, Seq: seq, Data: data}
	return s.router.Output(ip.ProtoICMP, msg.Marshal(), src, dst)
}
