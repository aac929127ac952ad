// internal/device/builder.go
package device

import (
	"github.com/tamzrod/mmc-blockd/internal/card"
	"github.com/tamzrod/mmc-blockd/internal/config"
)

// BuildCard derives the card model from normalized config. The capacity
// comes from the backing medium: sectors is its size in blocks.
func BuildCard(cc config.CardConfig, sectors uint64) *card.Card {
	c := &card.Card{
		ID:           cc.ID,
		Name:         cc.Name,
		Vendor:       cc.Vendor,
		Family:       card.FamilySD,
		Addressing:   card.AddressBlock,
		RCA:          cc.RCA,
		WriteProtect: cc.WriteProtect,
		Clock:        cc.ClockHz,
		CSD: card.CSD{
			TaccNs:      cc.TaccNs,
			TaccClks:    cc.TaccClks,
			R2WFactor:   cc.R2WFactor,
			Capacity:    sectors,
			ReadBlkBits: card.BlockShift,
		},
	}
	if cc.Family == "mmc" {
		c.Family = card.FamilyMMC
	}
	if cc.Addressing == "byte" {
		c.Addressing = card.AddressByte
	}
	if cc.CmdClass != nil {
		c.CSD.CmdClass = *cc.CmdClass
	}
	// High capacity MMC reports its size in the extended CSD.
	if c.Family == card.FamilyMMC && c.Addressing == card.AddressBlock {
		c.ExtSectors = sectors
	}
	return c
}
