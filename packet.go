package labbus

import "encoding/binary"

// LengthEncoding identifies the wire width of a Packet's length field.
type LengthEncoding byte

const (
	LengthUint8  LengthEncoding = 0x00
	LengthUint16 LengthEncoding = 0x01
	LengthUint32 LengthEncoding = 0x02
)

func (e LengthEncoding) size() int {
	switch e {
	case LengthUint8:
		return 1
	case LengthUint16:
		return 2
	case LengthUint32:
		return 4
	}
	return 0
}

// ChecksumAlgorithm identifies the checksum, if any, appended to a Packet.
type ChecksumAlgorithm byte

const (
	ChecksumNone      ChecksumAlgorithm = 0x00
	ChecksumAdditive  ChecksumAlgorithm = 0x04
	ChecksumCRC8CCITT ChecksumAlgorithm = 0x08
)

const (
	formatExtendedBit   = 0x80
	formatLengthEncMask = 0x03
	formatChecksumMask  = 0x0C
	formatAddressBit    = 0x10
)

// additiveChecksum is the one's-complement-free sum of data modulo 256.
func additiveChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// crc8CCITT computes CRC-8/CCITT: polynomial 0x07, init 0x00, no reflection,
// no final XOR, processed MSB-first per byte.
func crc8CCITT(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ 0x07
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func checksumOf(algo ChecksumAlgorithm, data []byte) byte {
	switch algo {
	case ChecksumAdditive:
		return additiveChecksum(data)
	case ChecksumCRC8CCITT:
		return crc8CCITT(data)
	}
	return 0
}

// Packet is the decoded body of one frame: an opcode, a length-prefixed
// body, and optional address/checksum/endianness metadata.
type Packet struct {
	code               byte
	length             int
	lengthEncoding     LengthEncoding
	checksumAlgorithm  ChecksumAlgorithm
	address            byte
	reverseEndianity   bool
	checksum           byte
	data               []byte
}

func lengthEncodingFor(length int) LengthEncoding {
	switch {
	case length > 0xFFFF:
		return LengthUint32
	case length > 0xFF:
		return LengthUint16
	default:
		return LengthUint8
	}
}

// NewPacket allocates a packet with the given opcode, body length, and
// checksum algorithm. The length encoding is chosen automatically: the
// smallest encoding that fits length is always used.
func NewPacket(code byte, length int, checksum ChecksumAlgorithm) *Packet {
	return &Packet{
		code:              code,
		length:            length,
		lengthEncoding:    lengthEncodingFor(length),
		checksumAlgorithm: checksum,
		data:              make([]byte, length),
	}
}

// Code returns the packet's opcode.
func (p *Packet) Code() byte { return p.code }

// IsFunction reports whether this packet belongs to a function request or
// response (opcode < 128). A false result means an unsolicited message.
func (p *Packet) IsFunction() bool { return p.code < 128 }

// IsNAK reports whether this packet is a negative acknowledgement.
func (p *Packet) IsNAK() bool { return p.code == 0x00 }

// Length returns the body length in bytes.
func (p *Packet) Length() int { return p.length }

// Empty reports whether the packet body is zero-length.
func (p *Packet) Empty() bool { return p.length == 0 }

// LengthEncoding returns the wire width chosen for the length field.
func (p *Packet) LengthEncoding() LengthEncoding { return p.lengthEncoding }

// ChecksumAlgorithm returns the checksum algorithm carried by this packet.
func (p *Packet) ChecksumAlgorithm() ChecksumAlgorithm { return p.checksumAlgorithm }

// Address returns the addressed peripheral, or 0 if unaddressed.
func (p *Packet) Address() byte { return p.address }

// SetAddress sets the peripheral address. A value of 0 means "not addressed".
func (p *Packet) SetAddress(address byte) { p.address = address }

// AddressEnabled reports whether this packet carries a non-zero address.
func (p *Packet) AddressEnabled() bool { return p.address != 0 }

// ReverseEndianity reports whether typed accessors byte-swap multi-byte
// values. The wire default is little-endian (false).
func (p *Packet) ReverseEndianity() bool { return p.reverseEndianity }

// SetReverseEndianity toggles byte order for the typed accessors.
func (p *Packet) SetReverseEndianity(reverse bool) { p.reverseEndianity = reverse }

// Extended reports whether this packet uses the extended header: any of a
// non-zero address, a non-NONE checksum, a length encoding other than
// UINT8, or a length of 128 or more.
func (p *Packet) Extended() bool {
	switch {
	case p.AddressEnabled():
		return true
	case p.checksumAlgorithm != ChecksumNone:
		return true
	case p.lengthEncoding != LengthUint8:
		return true
	case p.length >= 128:
		return true
	default:
		return false
	}
}

// Body returns the raw packet body.
func (p *Packet) Body() []byte { return p.data }

func (p *Packet) formatByte() byte {
	f := byte(formatExtendedBit)
	f |= byte(p.lengthEncoding) & formatLengthEncMask
	f |= byte(p.checksumAlgorithm) & formatChecksumMask
	if p.AddressEnabled() {
		f |= formatAddressBit
	}
	return f
}

func (p *Packet) encodeLength(dst []byte) {
	switch p.lengthEncoding {
	case LengthUint8:
		dst[0] = byte(p.length)
	case LengthUint16:
		binary.LittleEndian.PutUint16(dst, uint16(p.length))
	case LengthUint32:
		binary.LittleEndian.PutUint32(dst, uint32(p.length))
	}
}

// Encode serializes the packet to its on-the-wire byte representation
// (not yet frame-stuffed).
func (p *Packet) Encode() []byte {
	if !p.Extended() {
		out := make([]byte, 2+p.length)
		out[0] = p.code
		out[1] = byte(p.length)
		copy(out[2:], p.data)
		return out
	}

	headerLen := 2 + p.lengthEncoding.size()
	if p.AddressEnabled() {
		headerLen++
	}
	total := headerLen + p.length
	if p.checksumAlgorithm != ChecksumNone {
		total++
	}

	out := make([]byte, total)
	out[0] = p.code
	out[1] = p.formatByte()
	p.encodeLength(out[2 : 2+p.lengthEncoding.size()])

	offset := 2 + p.lengthEncoding.size()
	if p.AddressEnabled() {
		out[offset] = p.address
		offset++
	}
	copy(out[offset:offset+p.length], p.data)

	if p.checksumAlgorithm != ChecksumNone {
		p.checksum = checksumOf(p.checksumAlgorithm, out[:len(out)-1])
		out[len(out)-1] = p.checksum
	}
	return out
}

func decodeLength(frame []byte, enc LengthEncoding) (int, error) {
	switch enc {
	case LengthUint8:
		if len(frame) < 3 {
			return 0, &PacketFormatError{Reason: "frame too short for uint8 length"}
		}
		return int(frame[2]), nil
	case LengthUint16:
		if len(frame) < 4 {
			return 0, &PacketFormatError{Reason: "frame too short for uint16 length"}
		}
		return int(binary.LittleEndian.Uint16(frame[2:4])), nil
	case LengthUint32:
		if len(frame) < 6 {
			return 0, &PacketFormatError{Reason: "frame too short for uint32 length"}
		}
		return int(binary.LittleEndian.Uint32(frame[2:6])), nil
	default:
		return 0, &PacketFormatError{Reason: "invalid length encoding"}
	}
}

// DecodePacket parses a destuffed frame payload into a Packet. It returns
// a *ChecksumError if a present checksum does not match, and a
// *PacketFormatError for any other malformed input.
func DecodePacket(frame []byte) (*Packet, error) {
	if len(frame) < 2 {
		return nil, &PacketFormatError{Reason: "frame shorter than 2 bytes"}
	}

	code := frame[0]
	format := frame[1]

	if format&formatExtendedBit == 0 {
		length := int(format)
		if len(frame) < 2+length {
			return nil, &PacketFormatError{Reason: "frame shorter than declared length"}
		}
		p := &Packet{code: code, length: length, lengthEncoding: LengthUint8, data: make([]byte, length)}
		copy(p.data, frame[2:2+length])
		return p, nil
	}

	lengthEnc := LengthEncoding(format & formatLengthEncMask)
	if lengthEnc == LengthEncoding(3) {
		return nil, &PacketFormatError{Reason: "reserved length encoding"}
	}
	// bits 5-6 of format are reserved and must be zero.
	if format&0x60 != 0 {
		return nil, &PacketFormatError{Reason: "reserved format bits set"}
	}
	checksumType := ChecksumAlgorithm(format & formatChecksumMask)
	addressEnabled := format&formatAddressBit != 0

	length, err := decodeLength(frame, lengthEnc)
	if err != nil {
		return nil, err
	}

	offset := 2 + lengthEnc.size()

	p := &Packet{
		code:              code,
		length:            length,
		lengthEncoding:    lengthEnc,
		checksumAlgorithm: checksumType,
	}

	if addressEnabled {
		if len(frame) < offset+1 {
			return nil, &PacketFormatError{Reason: "frame too short for address"}
		}
		p.address = frame[offset]
		offset++
	}

	if len(frame) < offset+length {
		return nil, &PacketFormatError{Reason: "frame shorter than declared length"}
	}
	p.data = make([]byte, length)
	copy(p.data, frame[offset:offset+length])
	offset += length

	if checksumType != ChecksumNone {
		if len(frame) < offset+1 {
			return nil, &PacketFormatError{Reason: "frame too short for checksum"}
		}
		expected := frame[offset]
		actual := checksumOf(checksumType, frame[:len(frame)-1])
		if expected != actual {
			return nil, &ChecksumError{Expected: expected, Actual: actual}
		}
		p.checksum = expected
	}

	return p, nil
}

// --- typed accessors -------------------------------------------------

func (p *Packet) serialize(pos int, data []byte) {
	if p.reverseEndianity {
		reversed := make([]byte, len(data))
		for i, b := range data {
			reversed[len(data)-1-i] = b
		}
		data = reversed
	}
	copy(p.data[pos:pos+len(data)], data)
}

func (p *Packet) deserialize(pos, size int) []byte {
	data := make([]byte, size)
	copy(data, p.data[pos:pos+size])
	if p.reverseEndianity {
		for i, j := 0, len(data)-1; i < j; i, j = i+1, j-1 {
			data[i], data[j] = data[j], data[i]
		}
	}
	return data
}

// GetUint8 reads a single byte at pos.
func (p *Packet) GetUint8(pos int) byte { return p.data[pos] }

// InsertUint8 writes a single byte at pos.
func (p *Packet) InsertUint8(pos int, v byte) { p.data[pos] = v }

// GetBool reads a byte at pos as a boolean (nonzero is true).
func (p *Packet) GetBool(pos int) bool { return p.data[pos] != 0 }

// InsertBool writes a boolean as a single byte (0x00 or 0x01) at pos.
func (p *Packet) InsertBool(pos int, v bool) {
	if v {
		p.data[pos] = 1
	} else {
		p.data[pos] = 0
	}
}

// GetUint16 reads a 2-byte unsigned integer at pos, honoring ReverseEndianity.
func (p *Packet) GetUint16(pos int) uint16 {
	return binary.LittleEndian.Uint16(p.deserialize(pos, 2))
}

// InsertUint16 writes a 2-byte unsigned integer at pos, honoring ReverseEndianity.
func (p *Packet) InsertUint16(pos int, v uint16) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	p.serialize(pos, buf)
}

// GetInt16 reads a 2-byte signed integer at pos, honoring ReverseEndianity.
func (p *Packet) GetInt16(pos int) int16 { return int16(p.GetUint16(pos)) }

// InsertInt16 writes a 2-byte signed integer at pos, honoring ReverseEndianity.
func (p *Packet) InsertInt16(pos int, v int16) { p.InsertUint16(pos, uint16(v)) }

// GetUint32 reads a 4-byte unsigned integer at pos, honoring ReverseEndianity.
func (p *Packet) GetUint32(pos int) uint32 {
	return binary.LittleEndian.Uint32(p.deserialize(pos, 4))
}

// InsertUint32 writes a 4-byte unsigned integer at pos, honoring ReverseEndianity.
func (p *Packet) InsertUint32(pos int, v uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	p.serialize(pos, buf)
}

// GetString reads n bytes at pos as a null-padded ASCII string, trimming
// trailing NUL bytes.
func (p *Packet) GetString(pos, n int) string {
	raw := p.data[pos : pos+n]
	end := n
	for end > 0 && raw[end-1] == 0 {
		end--
	}
	return string(raw[:end])
}

// InsertString writes s into n bytes at pos, null-padding if shorter or
// truncating if longer.
func (p *Packet) InsertString(pos int, s string, n int) {
	dst := p.data[pos : pos+n]
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
}
