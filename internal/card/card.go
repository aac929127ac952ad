// internal/card/card.go
package card

import (
	"strings"
	"time"
)

// Family distinguishes the card families the engine treats differently.
type Family uint8

const (
	FamilyMMC Family = iota
	FamilySD
)

func (f Family) String() string {
	if f == FamilySD {
		return "sd"
	}
	return "mmc"
}

// Addressing is how the card interprets the data command argument.
type Addressing uint8

const (
	AddressByte Addressing = iota
	AddressBlock
)

// CSD holds the fields of the card specific data the block layer reads.
type CSD struct {
	CmdClass    uint16
	TaccNs      uint32
	TaccClks    uint32
	R2WFactor   uint8
	Capacity    uint64 // in units of 1<<ReadBlkBits
	ReadBlkBits uint8
}

// Card is the card model negotiated by bus enumeration.
type Card struct {
	ID           string
	Name         string
	Vendor       string
	Family       Family
	Addressing   Addressing
	RCA          uint16
	CSD          CSD
	ExtSectors   uint64 // EXT_CSD SEC_COUNT, block-addressed MMC only
	WriteProtect bool
	Clock        uint32 // bus clock in Hz
}

// SD reports whether the card belongs to the SD family.
func (c *Card) SD() bool { return c.Family == FamilySD }

// BlockAddressed reports whether data commands take sector numbers.
func (c *Card) BlockAddressed() bool { return c.Addressing == AddressBlock }

// Arg converts a sector number into the data command argument.
func (c *Card) Arg(sector uint64) uint32 {
	if c.BlockAddressed() {
		return uint32(sector)
	}
	return uint32(sector << BlockShift)
}

// RCAArg is the relative card address positioned for addressed commands.
func (c *Card) RCAArg() uint32 { return uint32(c.RCA) << 16 }

// CanRead reports whether the card implements the block-read class.
func (c *Card) CanRead() bool { return c.CSD.CmdClass&ClassBlockRead != 0 }

// ReadOnly is true when the write-protect switch is set or the card lacks
// the block-write class.
func (c *Card) ReadOnly() bool {
	return c.WriteProtect || c.CSD.CmdClass&ClassBlockWrite == 0
}

// Capacity returns the card size in 512-byte sectors.
func (c *Card) Capacity() uint64 {
	if !c.SD() && c.BlockAddressed() {
		return c.ExtSectors
	}
	if c.CSD.ReadBlkBits < BlockShift {
		return c.CSD.Capacity >> (BlockShift - c.CSD.ReadBlkBits)
	}
	return c.CSD.Capacity << (c.CSD.ReadBlkBits - BlockShift)
}

// IsMoviNAND matches the embedded MMC parts that need the vendor recovery policy.
func (c *Card) IsMoviNAND() bool {
	return !c.SD() && (strings.Contains(strings.ToUpper(c.Name), "MOVI") ||
		strings.EqualFold(c.Vendor, "samsung-movinand"))
}

// DataTimeout computes the data phase timeout from the CSD access time.
// Writes are scaled by the R2W factor. SD cards are capped at 100ms for
// reads and 250ms for writes.
func (c *Card) DataTimeout(write bool) time.Duration {
	mult := uint64(10)
	if write {
		mult <<= c.CSD.R2WFactor
	}
	ns := uint64(c.CSD.TaccNs) * mult
	clks := uint64(c.CSD.TaccClks) * mult
	if c.Clock > 0 {
		ns += clks * uint64(time.Second) / uint64(c.Clock)
	}
	d := time.Duration(ns)
	if c.SD() {
		limit := 100 * time.Millisecond
		if write {
			limit = 250 * time.Millisecond
		}
		if d > limit || d == 0 {
			d = limit
		}
	}
	return d
}

// Geometry is the legacy CHS view of the card.
type Geometry struct {
	Cylinders uint64
	Heads     uint8
	Sectors   uint8
}

// GeometryFor returns the fixed 4-head, 16-sector geometry for a capacity.
func GeometryFor(sectors uint64) Geometry {
	return Geometry{Cylinders: sectors / (4 * 16), Heads: 4, Sectors: 16}
}
