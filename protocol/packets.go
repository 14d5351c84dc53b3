// Package protocol defines the wire protocol structures for Moonlight streaming.
package protocol

import (
	"encoding/binary"
	"math"
)

// LittleEndian is the byte order backing FloatToNetfloat, the one place
// this package still needs to reinterpret raw bytes as a multi-byte value.
var LittleEndian = binary.LittleEndian

// Magic numbers for input packets. MouseMoveRel and MouseButton bump their
// magic/action value by one on Gen5+ hosts, as does ScrollMagicA;
// MultiController's HeaderA is decremented by one on Gen5+. The input
// package's builders pick MouseMoveRelMagicGen5 and apply
// MultiControllerHeaderAGen5Delta below; the mouse-button action and
// ScrollMagicA are bumped at their call sites.
const (
	KeyboardMagicDown = 0x03
	KeyboardMagicUp   = 0x04

	MouseMoveRelMagic     = 0x06
	MouseMoveRelMagicGen5 = 0x07
	MouseMoveAbsMagic     = 0x05

	MouseButtonActionDown = 0x07
	MouseButtonActionUp   = 0x08

	ScrollMagicA = 0x09

	ControllerHeaderA      = 0x00
	MultiControllerHeaderA = 0x01
	MultiControllerHeaderAGen5Delta = -1

	EnableHapticsMagicA = 0x4832
	EnableHapticsMagicB = 0x3474

	UTF8TextEventMagic = 0x0079

	// Sunshine extensions
	SSHScrollMagic           = 0x5a
	SSTouchMagic             = 0x5c
	SSPenMagic               = 0x5d
	SSControllerArrivalMagic = 0x5f
	SSControllerTouchMagic   = 0x60
	SSControllerMotionMagic  = 0x61
	SSControllerBatteryMagic = 0x62
)

// Controller packet constants, matching the C_HEADER_B/C_TAIL_A/C_TAIL_B and
// MC_HEADER_B/MC_MID_B/MC_TAIL_A/MC_TAIL_B constants of the legacy and
// multi-controller packets.
const (
	ControllerHeaderB = 0x1400
	ControllerTailA   = 0x00140000
	ControllerTailB   = 0x0014

	MultiControllerHeaderB = 0x001c
	MultiControllerMidB    = 0x0014
	MultiControllerTailA   = 0x0000
	MultiControllerTailB   = 0x0014
)

// ENet packet flags
const (
	ENetPacketFlagReliable    = 1 << 0
	ENetPacketFlagUnsequenced = 1 << 1
	ENetPacketFlagNoAllocate  = 1 << 2
)

// Control stream channel IDs
const (
	CtrlChannelGeneric     = 0
	CtrlChannelUrgent      = 1
	CtrlChannelKeyboard    = 2
	CtrlChannelMouse       = 3
	CtrlChannelGamepadBase = 4  // Channels 4-19 for gamepads
	CtrlChannelSensorBase  = 20 // Channels 20-35 for motion sensors
	CtrlChannelTouch       = 36
	CtrlChannelPen         = 37
	CtrlChannelUTF8        = 38
	CtrlChannelCount       = 39
)

// Op is a logical control-stream operation. The wire value for a given Op
// depends on which generation table the host negotiated; Op itself is only
// an index into that table.
type Op int

const (
	OpStartA Op = iota
	OpStartB
	OpInvalidateRefFrames
	OpLossStats
	OpFrameStats
	OpInputData
	OpRumbleData
	OpTermination
	opCount
)

// OpRequestIDRFrame is an alias: on Gen3/Gen4 hosts the slot that later
// generations use for StartA instead carries the legacy "request IDR frame"
// message, and the two are never sent on the same connection.
const OpRequestIDRFrame = OpStartA

// Undefined marks a table slot the negotiated generation does not support.
const Undefined int16 = -1

// Table is a per-generation mapping from Op to its wire packet type value.
type Table [opCount]int16

var (
	packetTypesGen3 = Table{
		OpStartA:              0x1407,
		OpStartB:               0x1410,
		OpInvalidateRefFrames: 0x1404,
		OpLossStats:           0x140c,
		OpFrameStats:          0x1417,
		OpInputData:           Undefined,
		OpRumbleData:          Undefined,
		OpTermination:         Undefined,
	}
	packetTypesGen4 = Table{
		OpStartA:              0x0606,
		OpStartB:               0x0609,
		OpInvalidateRefFrames: 0x0604,
		OpLossStats:           0x060a,
		OpFrameStats:          0x0611,
		OpInputData:           Undefined,
		OpRumbleData:          Undefined,
		OpTermination:         Undefined,
	}
	packetTypesGen5 = Table{
		OpStartA:              0x0305,
		OpStartB:               0x0307,
		OpInvalidateRefFrames: 0x0301,
		OpLossStats:           0x0201,
		OpFrameStats:          0x0204,
		OpInputData:           0x0207,
		OpRumbleData:          Undefined,
		OpTermination:         Undefined,
	}
	packetTypesGen7 = Table{
		OpStartA:              0x0305,
		OpStartB:               0x0307,
		OpInvalidateRefFrames: 0x0301,
		OpLossStats:           0x0201,
		OpFrameStats:          0x0204,
		OpInputData:           0x0206,
		OpRumbleData:          0x010b,
		OpTermination:         0x0100,
	}
	packetTypesGen7Enc = Table{
		OpStartA:              0x0305,
		OpStartB:               0x0307,
		OpInvalidateRefFrames: 0x0301,
		OpLossStats:           0x0201,
		OpFrameStats:          0x0204,
		OpInputData:           0x0206,
		OpRumbleData:          0x010b,
		OpTermination:         0x0109,
	}
)

// PacketTypesForGeneration returns the packet-type table for a negotiated
// app version and encryption mode. appMajor is AppVersionQuad[0]; encrypted
// selects the Gen7Enc table over the plaintext Gen7 table for appMajor>=7.
func PacketTypesForGeneration(appMajor int, encrypted bool) Table {
	switch {
	case appMajor < 4:
		return packetTypesGen3
	case appMajor < 5:
		return packetTypesGen4
	case appMajor < 7:
		return packetTypesGen5
	case encrypted:
		return packetTypesGen7Enc
	default:
		return packetTypesGen7
	}
}

// PayloadLengths is the per-generation table of fixed payload lengths for
// the preconstructed messages (StartA/StartB/LossStats/FrameStats); -1 marks
// a slot the generation does not use a fixed length for (e.g. InputData,
// whose length is per-call).
type PayloadLengths [opCount]int16

var (
	payloadLengthsGen3 = PayloadLengths{
		OpStartA:              2,
		OpStartB:               16, // sizeof(int[4]) cast to char*
		OpInvalidateRefFrames: 24,
		OpLossStats:           32,
		OpFrameStats:          64,
		OpInputData:           Undefined,
		OpRumbleData:          Undefined,
		OpTermination:         Undefined,
	}
	payloadLengthsGen4 = PayloadLengths{
		OpStartA:              2,
		OpStartB:               1,
		OpInvalidateRefFrames: 24,
		OpLossStats:           32,
		OpFrameStats:          64,
		OpInputData:           Undefined,
		OpRumbleData:          Undefined,
		OpTermination:         Undefined,
	}
	payloadLengthsGen5 = PayloadLengths{
		OpStartA:              2,
		OpStartB:               1,
		OpInvalidateRefFrames: 24,
		OpLossStats:           32,
		OpFrameStats:          80,
		OpInputData:           Undefined,
		OpRumbleData:          Undefined,
		OpTermination:         Undefined,
	}
)

// PayloadLengthsForGeneration mirrors PacketTypesForGeneration for the fixed
// payload-length table; Gen7/Gen7Enc share Gen5's lengths.
func PayloadLengthsForGeneration(appMajor int) PayloadLengths {
	switch {
	case appMajor < 4:
		return payloadLengthsGen3
	case appMajor < 5:
		return payloadLengthsGen4
	default:
		return payloadLengthsGen5
	}
}

// Preconstructed payloads for the fixed Start/IDR-request messages that
// carry no per-call arguments.
var (
	RequestIDRFrameGen3Payload = []byte{0, 0}
	RequestIDRFrameGen4Payload = []byte{0, 0}
	// StartBGen3 is the raw little-endian byte layout of the C source's
	// int[4]{0,0,0,0xa} cast to char*.
	StartBGen3Payload = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x0a, 0, 0, 0}
	StartBGen4Payload = []byte{0}
	StartAGen5Payload = []byte{0, 0}
	StartBGen5Payload = []byte{0}
)

// Control message timing and loss-rate thresholds.
const (
	LossReportIntervalMs        = 50
	PeriodicPingIntervalMs      = 250
	ConnImmediatePoorLossRate   = 30
	ConnConsecutivePoorLossRate = 15
	ConnOkayLossRate            = 5
	ConnStatusSamplePeriodMs    = 3000
	ControlStreamTimeoutSec     = 10
)

// Termination reason codes recognized and remapped by the control stream.
// When no frame was ever seen, TerminationErrorGraceful and the short
// 0x0100 code remap to types.ErrUnexpectedTermination (early termination)
// rather than types.ErrGracefulTermination; the MlErr* values below are not
// used by that remapping.
const (
	TerminationErrorGraceful        = 0x80030023
	TerminationErrorProtectedContent = 0x800e9302
	TerminationReasonGracefulShort  = 0x0100

	MlErrGracefulTermination       = 0x80030023
	MlErrUnexpectedEarlyTermination = 0x00000001
	MlErrProtectedContent          = 0x800e9302
)

// Wheel delta matches Windows WHEEL_DELTA; the legacy click-based scroll API
// is implemented in terms of the high-resolution one by this multiplier.
const WheelDelta = 120

// FloatToNetfloat converts a float32 to little-endian bytes
func FloatToNetfloat(f float32) [4]byte {
	var b [4]byte
	bits := math.Float32bits(f)
	LittleEndian.PutUint32(b[:], bits)
	return b
}
