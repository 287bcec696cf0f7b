// Package elproto implements the EchoLink proxy control protocol: the framed
// message codec spoken between a proxy client and the proxy, and the
// challenge/response authorization exchange that precedes it.
package elproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
)

// Standard EchoLink peer ports.
const (
	PortTCP     = 5200
	PortUDPData = 5199
	PortUDPCtrl = 5198
)

// MaxFrameData bounds the payload of a single frame. EchoLink traffic never
// approaches this.
const MaxFrameData = 8 * 1024

const headerSize = 9

// ErrProtocol is wrapped by errors that indicate the remote side violated
// the wire protocol. Such errors terminate the session.
var ErrProtocol = errors.New("protocol violation")

// Opcode identifies the sub-stream a frame belongs to.
type Opcode uint8

const (
	TCPOpen   Opcode = 0x01 // open peer TCP to dst_ip:5200 (client to proxy)
	TCPData   Opcode = 0x02 // raw bytes over the peer TCP (both)
	TCPClose  Opcode = 0x03 // close peer TCP (both)
	TCPStatus Opcode = 0x04 // connect result, 4-byte big-endian (proxy to client)
	UDPData   Opcode = 0x05 // datagram to/from dst_ip:5199 (both)
	UDPCtrl   Opcode = 0x06 // datagram to/from dst_ip:5198 (both)
	System    Opcode = 0x07 // proxy-to-client control message
)

func (o Opcode) String() string {
	switch o {
	case TCPOpen:
		return "tcp_open"
	case TCPData:
		return "tcp_data"
	case TCPClose:
		return "tcp_close"
	case TCPStatus:
		return "tcp_status"
	case UDPData:
		return "udp_data"
	case UDPCtrl:
		return "udp_ctrl"
	case System:
		return "system"
	}
	return fmt.Sprintf("opcode(0x%02x)", uint8(o))
}

// Frame is a single message on the client control channel. Addr is the
// destination (client to proxy) or source (proxy to client) peer address and
// is only meaningful for some opcodes.
//
// The wire encoding is <opcode:u8><dst_ip:u32 BE><size:u32 LE><payload>.
type Frame struct {
	Op   Opcode
	Addr netip.Addr
	Data []byte
}

// ReadFrame reads and decodes a single frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	op := Opcode(hdr[0])
	if op < TCPOpen || op > System {
		return Frame{}, fmt.Errorf("%w: unknown opcode 0x%02x", ErrProtocol, hdr[0])
	}
	size := binary.LittleEndian.Uint32(hdr[5:9])
	if size > MaxFrameData {
		return Frame{}, fmt.Errorf("%w: frame size %d exceeds %d", ErrProtocol, size, MaxFrameData)
	}
	f := Frame{
		Op:   op,
		Addr: netip.AddrFrom4(*(*[4]byte)(hdr[1:5])),
	}
	if size != 0 {
		f.Data = make([]byte, size)
		if _, err := io.ReadFull(r, f.Data); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
	return f, nil
}

// AppendFrame appends the wire encoding of f to b.
func AppendFrame(b []byte, f Frame) []byte {
	b = append(b, byte(f.Op))
	if a := f.Addr.Unmap(); a.Is4() {
		ip := a.As4()
		b = append(b, ip[:]...)
	} else {
		b = append(b, 0, 0, 0, 0)
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(len(f.Data)))
	return append(b, f.Data...)
}

// WriteFrame encodes f and writes it to w in a single Write call, so
// concurrent writers serialized by a lock never interleave partial frames.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, headerSize+len(f.Data)), f))
	return err
}

// StatusFrame builds the TCP_STATUS reply for a connect attempt to addr:
// status 0 reports success, anything else is the errno of the failure.
func StatusFrame(addr netip.Addr, status uint32) Frame {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], status)
	return Frame{Op: TCPStatus, Addr: addr, Data: b[:]}
}
