// Package diag validates SD card registers read from the device and builds
// the informational report logged when a device is first detected.
package diag

// CRC7 computes the 7-bit SD CRC (polynomial x^7 + x^3 + 1) over data,
// MSB first, starting from crc.
func CRC7(data []byte, crc byte) byte {
	for _, b := range data {
		for i := 0; i < 8; i++ {
			crc <<= 1
			if (b&0x80)^(crc&0x80) != 0 {
				crc ^= 0x09
			}
			b <<= 1
		}
	}
	return crc & 0x7F
}

// RegisterSize is the length of the CSD and CID registers.
const RegisterSize = 16

// RegisterCRCValid reports whether a 16-byte CSD/CID register carries a
// matching CRC7 in the top 7 bits of its last byte.
func RegisterCRCValid(reg []byte) bool {
	if len(reg) != RegisterSize {
		return false
	}
	return CRC7(reg[:RegisterSize-1], 0) == reg[RegisterSize-1]>>1
}
