// internal/status/encode.go
package status

// Encode converts a Snapshot and disk name into a full status block.
// Layout is protocol-locked.
// No IO. No side effects.
func Encode(s Snapshot, name string) []uint16 {
	regs := make([]uint16, SlotsPerDevice)

	regs[SlotHealthCode] = s.Health
	regs[SlotLastErrorCode] = s.LastErrorCode
	regs[SlotSecondsInError] = s.SecondsInError
	regs[SlotCardState] = s.CardState
	putUint32(regs[SlotSectorsOK:], s.SectorsOK)
	putUint32(regs[SlotSectorsFailed:], s.SectorsFailed)
	regs[SlotHardErrors] = s.HardErrors
	regs[SlotLastOpcode] = s.LastOpcode

	copy(regs[SlotDeviceNameStart:SlotDeviceNameEnd+1], EncodeName(name))
	return regs
}

func putUint32(regs []uint16, v uint32) {
	regs[0] = uint16(v >> 16)
	regs[1] = uint16(v)
}

// EncodeName packs up to 16 ASCII characters into 8 registers, two bytes
// per register, big-endian.
func EncodeName(name string) []uint16 {
	out := make([]uint16, SlotDeviceNameSlots)

	b := []byte(name)
	if len(b) > DeviceNameMaxChars {
		b = b[:DeviceNameMaxChars]
	}

	// sanitize to printable ASCII
	for i := 0; i < len(b); i++ {
		if b[i] < 0x20 || b[i] > 0x7E {
			b[i] = '?'
		}
	}

	for i := 0; i < DeviceNameMaxChars; i += 2 {
		var hi, lo byte
		if i < len(b) {
			hi = b[i]
		}
		if i+1 < len(b) {
			lo = b[i+1]
		}
		out[i/2] = uint16(hi)<<8 | uint16(lo)
	}

	return out
}
