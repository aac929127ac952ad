// internal/card/card_test.go
package card

import (
	"testing"
	"time"
)

func TestDecodeStatus(t *testing.T) {
	st := DecodeStatus(EncodeStatus(true, StateTransfer))
	if !st.ReadyForData || st.State != StateTransfer {
		t.Fatalf("decode mismatch: got=%+v", st)
	}
	if !st.Ready() {
		t.Fatalf("tran + ready-for-data must be ready")
	}

	busy := DecodeStatus(EncodeStatus(true, StateProgramming))
	if busy.Ready() {
		t.Fatalf("programming state must not be ready even with ready bit set")
	}

	for _, s := range []State{StateData, StateReceive} {
		if !DecodeStatus(EncodeStatus(false, s)).NeedsStop() {
			t.Fatalf("state %v must need a stop", s)
		}
	}
	if DecodeStatus(EncodeStatus(false, StateProgramming)).NeedsStop() {
		t.Fatalf("prg must not need a stop")
	}
}

func TestArgAddressing(t *testing.T) {
	c := &Card{Addressing: AddressBlock}
	if got := c.Arg(10); got != 10 {
		t.Fatalf("block addressed arg: got=%d want=10", got)
	}
	c.Addressing = AddressByte
	if got := c.Arg(10); got != 10*512 {
		t.Fatalf("byte addressed arg: got=%d want=%d", got, 10*512)
	}
}

func TestReadOnly(t *testing.T) {
	c := &Card{CSD: CSD{CmdClass: ClassBlockRead | ClassBlockWrite}}
	if c.ReadOnly() {
		t.Fatalf("writable card reported read-only")
	}
	c.WriteProtect = true
	if !c.ReadOnly() {
		t.Fatalf("write-protect switch ignored")
	}
	c.WriteProtect = false
	c.CSD.CmdClass = ClassBlockRead
	if !c.ReadOnly() {
		t.Fatalf("missing block-write class ignored")
	}
}

func TestCapacity(t *testing.T) {
	sd := &Card{Family: FamilySD, CSD: CSD{Capacity: 1000, ReadBlkBits: 10}}
	if got := sd.Capacity(); got != 2000 {
		t.Fatalf("sd capacity: got=%d want=2000", got)
	}
	mmc := &Card{Family: FamilyMMC, Addressing: AddressBlock, ExtSectors: 4096}
	if got := mmc.Capacity(); got != 4096 {
		t.Fatalf("ext_csd capacity: got=%d want=4096", got)
	}
	if g := GeometryFor(6400); g.Cylinders != 100 || g.Heads != 4 || g.Sectors != 16 {
		t.Fatalf("geometry: got=%+v", g)
	}
}

func TestDataTimeoutSDCaps(t *testing.T) {
	c := &Card{Family: FamilySD, CSD: CSD{TaccNs: 100 * uint32(time.Millisecond), R2WFactor: 2}}
	if got := c.DataTimeout(false); got != 100*time.Millisecond {
		t.Fatalf("sd read timeout: got=%v", got)
	}
	if got := c.DataTimeout(true); got != 250*time.Millisecond {
		t.Fatalf("sd write timeout: got=%v", got)
	}
	m := &Card{Family: FamilyMMC, CSD: CSD{TaccNs: 1000, R2WFactor: 1}}
	if got := m.DataTimeout(true); got != 20*time.Microsecond {
		t.Fatalf("mmc write timeout: got=%v want=20us", got)
	}
}

func TestIsMoviNAND(t *testing.T) {
	if !(&Card{Name: "moviNAND"}).IsMoviNAND() {
		t.Fatalf("expected moviNAND match")
	}
	if (&Card{Family: FamilySD, Name: "MOVI"}).IsMoviNAND() {
		t.Fatalf("sd cards never use the moviNAND policy")
	}
}
