// internal/status/snapshot.go
package status

// Snapshot is exactly what a status writer is allowed to deliver.
// It contains no logic and no memory of the past beyond current state.
type Snapshot struct {
	Health         uint16
	LastErrorCode  uint16
	SecondsInError uint16
	CardState      uint16
	SectorsOK      uint32
	SectorsFailed  uint32
	HardErrors     uint16
	LastOpcode     uint16
}
