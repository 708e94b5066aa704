package pcap

import (
	"encoding/binary"
	"io"
	"sync"
)

// Writer serializes Packets to an io.Writer. It is safe for
// concurrent use, captures are fed from every socket of a client.
type Writer struct {
	Writer    io.Writer
	LinkType  LinkType
	SnapLen   uint32
	ByteOrder binary.ByteOrder // defaults to binary.LittleEndian

	mu            sync.Mutex
	headerWritten bool
}

func (w *Writer) order() binary.ByteOrder {
	if w.ByteOrder != nil {
		return w.ByteOrder
	}
	return binary.LittleEndian
}

func (w *Writer) header() error {
	hdr := fileHeader{
		Magic:   magicNanoseconds,
		Major:   2,
		Minor:   4,
		Snaplen: w.SnapLen,
		Type:    uint32(w.LinkType),
	}

	if err := binary.Write(w.Writer, w.order(), hdr); err != nil {
		return err
	}
	w.headerWritten = true
	return nil
}

// Put serializes pkt to w.Writer. Packets longer than SnapLen are
// truncated, with Length still recording the original size.
func (w *Writer) Put(pkt *Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.headerWritten {
		if err := w.header(); err != nil {
			return err
		}
	}
	bs := pkt.Bytes
	if w.SnapLen > 0 && uint32(len(bs)) > w.SnapLen {
		bs = bs[:w.SnapLen]
	}
	origLen := pkt.Length
	if origLen < len(pkt.Bytes) {
		origLen = len(pkt.Bytes)
	}
	hdr := recordHeader{
		Sec:     uint32(pkt.Timestamp.Unix()),
		SubSec:  uint32(pkt.Timestamp.Nanosecond()),
		Len:     uint32(len(bs)),
		OrigLen: uint32(origLen),
	}

	if err := binary.Write(w.Writer, w.order(), hdr); err != nil {
		return err
	}
	_, err := w.Writer.Write(bs)
	return err
}
