package sen5x

import "github.com/sigurn/crc8"

// Every 16-bit word on the wire is followed by this checksum.
var crcParams = crc8.Params{
	Poly:   0x31,
	Init:   0xFF,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
	Check:  0xF7,
	Name:   "CRC-8/NRSC-5",
}

var crcTable = crc8.MakeTable(crcParams)

// CRC8 returns the checksum of one data word.
func CRC8(b1, b2 byte) byte {
	w := [2]byte{b1, b2}
	return crc8.Checksum(w[:], crcTable)
}

// frame appends each 2-byte word of src to dst followed by its CRC.
func frame(dst, src []byte) []byte {
	for i := 0; i+1 < len(src); i += 2 {
		dst = append(dst, src[i], src[i+1], CRC8(src[i], src[i+1]))
	}
	return dst
}

// unframe checks every (b1, b2, crc) triple of buf and compacts the data
// bytes to the front of buf. It returns the payload length. On a mismatch the
// contents of buf are unspecified.
func unframe(buf []byte) (int, error) {
	n := 0
	for i := 0; i+3 <= len(buf); i += 3 {
		b1, b2 := buf[i], buf[i+1]
		if CRC8(b1, b2) != buf[i+2] {
			return 0, ErrCRC
		}
		buf[n], buf[n+1] = b1, b2
		n += 2
	}
	return n, nil
}
