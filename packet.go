package interconnect

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Packet flags carried in PacketHeader.Flags.
const (
	// FlagReceiverToSender marks a control packet travelling from a receiver back to its sender
	FlagReceiverToSender uint32 = 1 << 0
	// FlagACK indicates acknowledgment through Seq
	FlagACK uint32 = 1 << 1
	// FlagSTOP asks the sender to stop sending data
	FlagSTOP uint32 = 1 << 2
	// FlagEOS indicates end of stream
	FlagEOS uint32 = 1 << 3
	// FlagNAK indicates the receiver could not accept the packet yet
	FlagNAK uint32 = 1 << 4
	// FlagDISORDER indicates an out-of-order arrival, payload lists missing sequences
	FlagDISORDER uint32 = 1 << 5
	// FlagDUPLICATE indicates a duplicate arrival
	FlagDUPLICATE uint32 = 1 << 6
	// FlagCAPACITY indicates ExtraSeq carries the consumed sequence (freed receive capacity)
	FlagCAPACITY uint32 = 1 << 7
)

// HeaderSize is the fixed encoded size of a PacketHeader.
const HeaderSize = 64

// MaxSeqsInDisorderAck bounds the number of missing sequence numbers carried
// by a single disorder acknowledgment.
const MaxSeqsInDisorderAck = 4

// chunkPrefixSize is the length prefix that precedes every chunk in a data payload.
const chunkPrefixSize = 4

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// PacketHeader is the fixed binary header shared by data and control packets.
//
// Wire layout (all fields 4 bytes, little-endian, in declaration order):
//   - identity: MotNodeID .. SessionID, ICID
//   - sequencing: Seq, ExtraSeq, Flags
//   - framing: Len (whole datagram including header), CRC
//
// The identity fields plus ICID select exactly one connection on each end.
type PacketHeader struct {
	MotNodeID       int32
	RecvSliceIndex  int32
	SendSliceIndex  int32
	SrcContentID    int32
	DstContentID    int32
	SrcPid          int32
	DstPid          int32
	SrcListenerPort int32
	DstListenerPort int32
	SessionID       int32
	ICID            uint32
	Seq             uint32
	ExtraSeq        uint32
	Flags           uint32
	Len             uint32
	CRC             uint32
}

// MarshalTo encodes the header into the first HeaderSize bytes of b.
func (h *PacketHeader) MarshalTo(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("buffer too small for header: %d < %d", len(b), HeaderSize)
	}
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(h.MotNodeID))
	le.PutUint32(b[4:], uint32(h.RecvSliceIndex))
	le.PutUint32(b[8:], uint32(h.SendSliceIndex))
	le.PutUint32(b[12:], uint32(h.SrcContentID))
	le.PutUint32(b[16:], uint32(h.DstContentID))
	le.PutUint32(b[20:], uint32(h.SrcPid))
	le.PutUint32(b[24:], uint32(h.DstPid))
	le.PutUint32(b[28:], uint32(h.SrcListenerPort))
	le.PutUint32(b[32:], uint32(h.DstListenerPort))
	le.PutUint32(b[36:], uint32(h.SessionID))
	le.PutUint32(b[40:], h.ICID)
	le.PutUint32(b[44:], h.Seq)
	le.PutUint32(b[48:], h.ExtraSeq)
	le.PutUint32(b[52:], h.Flags)
	le.PutUint32(b[56:], h.Len)
	le.PutUint32(b[60:], h.CRC)
	return nil
}

// UnmarshalHeader decodes a header from the first HeaderSize bytes of b.
func UnmarshalHeader(b []byte) (PacketHeader, error) {
	var h PacketHeader
	if len(b) < HeaderSize {
		return h, fmt.Errorf("short packet: %d < %d", len(b), HeaderSize)
	}
	le := binary.LittleEndian
	h.MotNodeID = int32(le.Uint32(b[0:]))
	h.RecvSliceIndex = int32(le.Uint32(b[4:]))
	h.SendSliceIndex = int32(le.Uint32(b[8:]))
	h.SrcContentID = int32(le.Uint32(b[12:]))
	h.DstContentID = int32(le.Uint32(b[16:]))
	h.SrcPid = int32(le.Uint32(b[20:]))
	h.DstPid = int32(le.Uint32(b[24:]))
	h.SrcListenerPort = int32(le.Uint32(b[28:]))
	h.DstListenerPort = int32(le.Uint32(b[32:]))
	h.SessionID = int32(le.Uint32(b[36:]))
	h.ICID = le.Uint32(b[40:])
	h.Seq = le.Uint32(b[44:])
	h.ExtraSeq = le.Uint32(b[48:])
	h.Flags = le.Uint32(b[52:])
	h.Len = le.Uint32(b[56:])
	h.CRC = le.Uint32(b[60:])
	return h, nil
}

// sameIdentity reports whether two headers name the same connection.
// Listener ports are deliberately excluded: the receiver learns the sender's
// port from the first packets it sees.
func sameIdentity(a, b *PacketHeader) bool {
	return a.MotNodeID == b.MotNodeID &&
		a.DstContentID == b.DstContentID &&
		a.SrcContentID == b.SrcContentID &&
		a.RecvSliceIndex == b.RecvSliceIndex &&
		a.SendSliceIndex == b.SendSliceIndex &&
		a.SrcPid == b.SrcPid &&
		a.DstPid == b.DstPid &&
		a.ICID == b.ICID
}

// hashIdentity mixes the pid and content id fields into a bucket index.
func hashIdentity(h *PacketHeader, size int) int {
	v := uint32(h.SrcPid^h.DstPid) + uint32(h.DstContentID)
	return int(v % uint32(size))
}

// crcOffset is the byte offset of the CRC field inside the header.
const crcOffset = 60

// addCRC computes CRC32-C over the whole datagram with the CRC field zeroed
// and stores the result in the header.
func addCRC(datagram []byte) {
	binary.LittleEndian.PutUint32(datagram[crcOffset:], 0)
	sum := crc32.Checksum(datagram, crcTable)
	binary.LittleEndian.PutUint32(datagram[crcOffset:], sum)
}

// checkCRC verifies the datagram checksum. The CRC field is restored before returning.
func checkCRC(datagram []byte) bool {
	rx := binary.LittleEndian.Uint32(datagram[crcOffset:])
	binary.LittleEndian.PutUint32(datagram[crcOffset:], 0)
	sum := crc32.Checksum(datagram, crcTable)
	binary.LittleEndian.PutUint32(datagram[crcOffset:], rx)
	return rx == sum
}

// datagramError classifies why an inbound datagram was rejected.
type datagramError int

const (
	datagramOK datagramError = iota
	datagramShort
	datagramLenMismatch
	datagramBadCRC
)

func (e datagramError) String() string {
	switch e {
	case datagramOK:
		return "ok"
	case datagramShort:
		return "short read"
	case datagramLenMismatch:
		return "length mismatch"
	case datagramBadCRC:
		return "crc mismatch"
	default:
		return fmt.Sprintf("unknown(%d)", int(e))
	}
}

// decodeDatagram validates n bytes read from the network and decodes the header.
// Validation fails closed: any problem means the datagram must be dropped.
func decodeDatagram(b []byte, n int, fullCRC bool) (PacketHeader, datagramError) {
	if n < HeaderSize {
		return PacketHeader{}, datagramShort
	}
	h, _ := UnmarshalHeader(b[:n])
	if int(h.Len) != n {
		return h, datagramLenMismatch
	}
	if fullCRC && !checkCRC(b[:n]) {
		return h, datagramBadCRC
	}
	return h, datagramOK
}

// encodeLostSeqs appends the disorder payload to dst.
func encodeLostSeqs(dst []byte, lost []uint32) []byte {
	var tmp [4]byte
	for _, s := range lost {
		binary.LittleEndian.PutUint32(tmp[:], s)
		dst = append(dst, tmp[:]...)
	}
	return dst
}

// decodeLostSeqs extracts the missing sequence numbers carried by a disorder ack.
func decodeLostSeqs(datagram []byte) []uint32 {
	if len(datagram) <= HeaderSize {
		return nil
	}
	payload := datagram[HeaderSize:]
	n := len(payload) / 4
	if n > MaxSeqsInDisorderAck {
		n = MaxSeqsInDisorderAck
	}
	lost := make([]uint32, n)
	for i := range lost {
		lost[i] = binary.LittleEndian.Uint32(payload[i*4:])
	}
	return lost
}

// appendChunk frames one chunk into a data payload.
func appendChunk(dst []byte, chunk []byte) []byte {
	var tmp [chunkPrefixSize]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(chunk)))
	dst = append(dst, tmp[:]...)
	return append(dst, chunk...)
}

// nextChunk reads the chunk starting at off in payload and returns it with the
// offset of the following chunk. ok is false when no complete chunk remains.
func nextChunk(payload []byte, off int) (chunk []byte, next int, ok bool) {
	if off+chunkPrefixSize > len(payload) {
		return nil, off, false
	}
	n := int(binary.LittleEndian.Uint32(payload[off:]))
	start := off + chunkPrefixSize
	if n < 0 || start+n > len(payload) {
		return nil, off, false
	}
	return payload[start : start+n], start + n, true
}

// flagString renders flags for log lines.
func flagString(f uint32) string {
	names := []struct {
		bit  uint32
		name string
	}{
		{FlagReceiverToSender, "R2S"},
		{FlagACK, "ACK"},
		{FlagSTOP, "STOP"},
		{FlagEOS, "EOS"},
		{FlagNAK, "NAK"},
		{FlagDISORDER, "DISORDER"},
		{FlagDUPLICATE, "DUP"},
		{FlagCAPACITY, "CAP"},
	}
	out := ""
	for _, n := range names {
		if f&n.bit != 0 {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "DATA"
	}
	return out
}
