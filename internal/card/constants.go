// internal/card/constants.go
package card

// Protocol constants. These values are defined by the card command set
// and MUST NOT be configurable.

// ---- GEOMETRY ----

// BlockSize is the negotiated transfer unit in bytes.
const BlockSize = 512

// BlockShift converts sectors to bytes.
const BlockShift = 9

// ---- OPCODES ----

const (
	CmdGoIdleState        uint32 = 0
	CmdSendOpCond         uint32 = 1
	CmdStopTransmission   uint32 = 12
	CmdSendStatus         uint32 = 13
	CmdSetBlockLen        uint32 = 16
	CmdReadSingleBlock    uint32 = 17
	CmdReadMultipleBlock  uint32 = 18
	CmdWriteBlock         uint32 = 24
	CmdWriteMultipleBlock uint32 = 25
	CmdAppCmd             uint32 = 55
)

// AppSendNumWrBlocks is only valid right after CmdAppCmd.
const AppSendNumWrBlocks uint32 = 22

// ---- R1 STATUS BITS ----

// R1AppCmd is set when the card accepted CmdAppCmd.
const R1AppCmd uint32 = 1 << 5

// R1ReadyForData reports an empty input buffer.
const R1ReadyForData uint32 = 1 << 8

const (
	r1StateShift = 9
	r1StateMask  = 0xf
)

// ---- COMMAND CLASSES (CSD CCC) ----

const (
	ClassBasic      uint16 = 1 << 0
	ClassBlockRead  uint16 = 1 << 2
	ClassBlockWrite uint16 = 1 << 4
	ClassErase      uint16 = 1 << 5
	ClassAppSpec    uint16 = 1 << 8
)

// ---- VENDOR RE-INIT ARGUMENTS ----

// Arguments used by the moviNAND recovery sequence.
const (
	MoviOpCondArg   uint32 = 0x40ff8080
	MoviIdleArgPre  uint32 = 0x20110210
	MoviIdleArgPost uint32 = 0x60facc06
)

// IdentClock is the bus clock used while re-identifying a card.
const IdentClock uint32 = 400000
