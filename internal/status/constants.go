// internal/status/constants.go
package status

// Card Status Block layout constants.
// These values define the register protocol and MUST NOT be configurable.

// ---- BLOCK GEOMETRY ----

// SlotsPerDevice is the fixed number of registers per card.
const SlotsPerDevice = 20

// ---- SLOT INDICES ----

// SlotHealthCode holds the card health state.
const SlotHealthCode = 0

// SlotLastErrorCode holds the errno of the last failure.
const SlotLastErrorCode = 1

// SlotSecondsInError holds the duration (in seconds) the card has been in error.
const SlotSecondsInError = 2

// SlotCardState holds CURRENT_STATE from the last status read.
const SlotCardState = 3

// SlotSectorsOK and SlotSectorsFailed hold 32-bit counters, high word first.
const SlotSectorsOK = 4
const SlotSectorsFailed = 6

// SlotHardErrors counts hard-error classifications (saturating).
const SlotHardErrors = 8

// SlotLastOpcode holds the opcode of the last failing transaction.
const SlotLastOpcode = 9

// Slot 10 is reserved.
const SlotReserved = 10

// ---- DEVICE NAME ----

// SlotDeviceNameStart is the first slot used for the disk name.
// The name always sits at the END of the status block.
const SlotDeviceNameStart = 11

// SlotDeviceNameSlots is the number of slots reserved for the disk name.
const SlotDeviceNameSlots = 8

// SlotDeviceNameEnd is the last slot used for the disk name (inclusive).
const SlotDeviceNameEnd = SlotDeviceNameStart + SlotDeviceNameSlots - 1

// ---- LIMITS ----

// DeviceNameMaxChars is the maximum number of ASCII characters stored for the name.
const DeviceNameMaxChars = 16

// ---- HEALTH CODES ----

// HealthUnknown represents an unknown or boot state.
const HealthUnknown uint16 = 0

// HealthOK represents a card answering status reads.
const HealthOK uint16 = 1

// HealthError represents a card that failed a status read or a transfer.
const HealthError uint16 = 2

// HealthStale represents a card whose monitor stopped reporting.
const HealthStale uint16 = 3

// HealthDisabled represents a removed card.
const HealthDisabled uint16 = 4
