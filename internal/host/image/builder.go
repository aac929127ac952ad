// internal/host/image/builder.go
package image

import (
	"fmt"

	"github.com/tamzrod/mmc-blockd/internal/config"
)

// Build opens the emulated host for one configured card.
func Build(cc config.CardConfig) (*Host, error) {
	faults := make([]Fault, 0, len(cc.Faults))
	for i, fc := range cc.Faults {
		f, err := buildFault(fc)
		if err != nil {
			return nil, fmt.Errorf("card %q fault[%d]: %w", cc.ID, i, err)
		}
		faults = append(faults, f)
	}

	h, err := Open(Config{
		Path:          cc.Image,
		SPI:           cc.SPI,
		MaxBlocks:     cc.MaxBlocks,
		ByteAddressed: cc.Addressing == "byte",
		Watch:         cc.Watch,
		Faults:        faults,
	})
	if err != nil {
		return nil, err
	}
	h.SetLogger(h.log.With("card", cc.ID))
	return h, nil
}

func buildFault(fc config.FaultConfig) (Fault, error) {
	f := Fault{
		Sector:    fc.Sector,
		Times:     fc.Times,
		Partial:   fc.Partial,
		BusyPolls: fc.BusyPolls,
	}

	switch fc.Op {
	case "", "any":
		f.Op = OpAny
	case "read":
		f.Op = OpRead
	case "write":
		f.Op = OpWrite
	case "status":
		f.Op = OpStatus
	default:
		return Fault{}, fmt.Errorf("invalid op %q", fc.Op)
	}

	k, ok := kindNames[fc.Kind]
	if !ok {
		return Fault{}, fmt.Errorf("invalid kind %q", fc.Kind)
	}
	f.Kind = k
	return f, nil
}
