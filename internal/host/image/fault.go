// internal/host/image/fault.go
package image

import "sync"

// Op selects which traffic a fault applies to.
type Op uint8

const (
	OpAny Op = iota
	OpRead
	OpWrite
	OpStatus
)

// FaultKind is the failure a fault injects.
type FaultKind uint8

const (
	// FaultCmd fails the command phase with a timeout; no data moves.
	FaultCmd FaultKind = iota
	// FaultData moves Partial blocks, then fails the data phase.
	FaultData
	// FaultStop completes the data phase and fails the stop command.
	FaultStop
	// FaultAgain reports the transient "try again" data error.
	FaultAgain
	// FaultBusy completes normally and keeps the card programming for
	// BusyPolls status reads.
	FaultBusy
	// FaultRemove pulls the card.
	FaultRemove
)

// Fault is one scripted failure. Sector, when set, restricts it to
// windows covering that sector. Times zero fires forever.
type Fault struct {
	Op        Op
	Sector    *uint64
	Kind      FaultKind
	Times     int
	Partial   uint32
	BusyPolls int
}

type faultSet struct {
	mu     sync.Mutex
	faults []Fault
	fired  []int
}

func newFaultSet(faults []Fault) *faultSet {
	return &faultSet{faults: faults, fired: make([]int, len(faults))}
}

// match returns the first live fault for op on [sector, sector+blocks).
func (s *faultSet) match(op Op, sector uint64, blocks uint32) (Fault, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, f := range s.faults {
		if f.Op != OpAny && f.Op != op {
			continue
		}
		// status faults are opt-in only
		if f.Op == OpAny && op == OpStatus {
			continue
		}
		if f.Sector != nil && (*f.Sector < sector || *f.Sector >= sector+uint64(blocks)) {
			continue
		}
		if f.Times > 0 && s.fired[i] >= f.Times {
			continue
		}
		s.fired[i]++
		return f, true
	}
	return Fault{}, false
}

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpStatus:
		return "status"
	default:
		return "any"
	}
}

var kindNames = map[string]FaultKind{
	"cmd":    FaultCmd,
	"data":   FaultData,
	"stop":   FaultStop,
	"again":  FaultAgain,
	"busy":   FaultBusy,
	"remove": FaultRemove,
}

func (k FaultKind) String() string {
	for name, v := range kindNames {
		if v == k {
			return name
		}
	}
	return "unknown"
}
