// Package pcap reads and writes libpcap capture files.
package pcap

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// LinkType describes the contents of each packet in a pcap.
type LinkType uint32

// Link types produced by the DHCP client. Captures taken by the client
// itself are LinkRaw, since its packet socket operates below IP but
// above Ethernet.
const (
	LinkEthernet LinkType = 1
	LinkRaw      LinkType = 101
)

const (
	magicMicroseconds = 0xa1b2c3d4
	magicNanoseconds  = 0xa1b23c4d
	ethernetHeaderLen = 14
	etherTypeIPv4     = 0x0800
)

// ErrNotIPv4 is returned by IPv4Datagram for frames that do not carry
// IPv4.
var ErrNotIPv4 = errors.New("frame does not carry IPv4")

type fileHeader struct {
	Magic uint32
	Major uint16
	Minor uint16
	// Timezone correction and time accuracy, both 0 in practice.
	Ignored uint64
	Snaplen uint32
	Type    uint32
}

type recordHeader struct {
	Sec     uint32
	SubSec  uint32
	Len     uint32
	OrigLen uint32
}

// Reader extracts packets from a pcap file.
type Reader struct {
	LinkType LinkType

	r     io.Reader
	order binary.ByteOrder
	tmult int64
}

// Packet is one raw packet and its metadata.
type Packet struct {
	Timestamp time.Time
	Length    int
	Bytes     []byte
}

// NewReader returns a new Reader that decodes pcap data from r.
func NewReader(r io.Reader) (*Reader, error) {
	ret := &Reader{
		r:     bufio.NewReader(r),
		order: binary.LittleEndian,
	}

	var header fileHeader
	bs := make([]byte, binary.Size(header))
	if _, err := io.ReadFull(ret.r, bs); err != nil {
		return nil, fmt.Errorf("reading pcap header: %w", err)
	}

	// The header encodings are defined in terms of "same" or
	// "opposite" endian, so the magic alone doesn't tell us the byte
	// order. The major/minor version numbers do.
	if err := binary.Read(bytes.NewReader(bs), ret.order, &header); err != nil {
		return nil, err
	}
	if header.Major == 0x200 && header.Minor == 0x400 {
		ret.order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(bs), ret.order, &header); err != nil {
			return nil, err
		}
	}
	switch header.Magic {
	case magicMicroseconds:
		ret.tmult = 1000
	case magicNanoseconds:
		ret.tmult = 1
	default:
		return nil, errors.New("bad magic")
	}

	if header.Major != 2 || header.Minor != 4 {
		return nil, fmt.Errorf("unknown pcap version %d.%d", header.Major, header.Minor)
	}

	ret.LinkType = LinkType(header.Type)

	return ret, nil
}

// Next returns the next packet in r, or io.EOF once the capture is
// exhausted.
func (r *Reader) Next() (*Packet, error) {
	var hdr recordHeader
	if err := binary.Read(r.r, r.order, &hdr); err != nil {
		return nil, err
	}

	bs := make([]byte, hdr.Len)
	if _, err := io.ReadFull(r.r, bs); err != nil {
		return nil, fmt.Errorf("reading packet body: %w", err)
	}

	return &Packet{
		Timestamp: time.Unix(int64(hdr.Sec), r.tmult*int64(hdr.SubSec)),
		Length:    int(hdr.OrigLen),
		Bytes:     bs,
	}, nil
}

// IPv4Datagram returns the IPv4 datagram carried by pkt for the given
// link type.
func IPv4Datagram(lt LinkType, pkt *Packet) ([]byte, error) {
	switch lt {
	case LinkRaw:
		return pkt.Bytes, nil
	case LinkEthernet:
		if len(pkt.Bytes) < ethernetHeaderLen {
			return nil, fmt.Errorf("%w: short ethernet frame", ErrNotIPv4)
		}
		if binary.BigEndian.Uint16(pkt.Bytes[12:14]) != etherTypeIPv4 {
			return nil, fmt.Errorf("%w: ethertype %#04x", ErrNotIPv4, binary.BigEndian.Uint16(pkt.Bytes[12:14]))
		}
		return pkt.Bytes[ethernetHeaderLen:], nil
	default:
		return nil, fmt.Errorf("%w: unsupported link type %d", ErrNotIPv4, lt)
	}
}
