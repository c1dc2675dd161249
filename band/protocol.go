// Package band implements the gForce armband profile on top of a device
// session: the command request/response protocol on the control
// characteristic and the typed data stream on the data characteristic.
package band

import (
	"encoding/binary"
	"math"

	"github.com/sensegrid/blecentral/backend"
)

// gForce GATT profile. UUIDs are stored normalized.
var (
	ServiceUUID = backend.NormalizeUUID("f000ffd0-0451-4000-b000-000000000000")
	CommandUUID = backend.NormalizeUUID("f000ffe1-0451-4000-b000-000000000000")
	DataUUID    = backend.NormalizeUUID("f000ffe2-0451-4000-b000-000000000000")
)

// Command is a control-characteristic opcode. Responses arrive as
// notifications on the same characteristic, tagged with the opcode they
// answer.
type Command byte

const (
	CmdGetProtocolVersion  Command = 0x00
	CmdGetFeatureMap       Command = 0x01
	CmdGetDeviceName       Command = 0x02
	CmdGetBatteryLevel     Command = 0x08
	CmdMotorControl        Command = 0x24
	CmdSetEMGRawDataConfig Command = 0x3F
	CmdGetEMGRawDataConfig Command = 0x40
	CmdSetDataNotifSwitch  Command = 0x4F
)

// ResponseStatus is the first byte of a command response.
type ResponseStatus byte

const (
	StatusSuccess      ResponseStatus = 0x00
	StatusNotSupported ResponseStatus = 0x01
	StatusBadParam     ResponseStatus = 0x02
	StatusFailed       ResponseStatus = 0x03
	StatusTimeout      ResponseStatus = 0x04
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNotSupported:
		return "not supported"
	case StatusBadParam:
		return "bad parameter"
	case StatusFailed:
		return "failed"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Subscription selects which data feeds the band pushes on the data
// characteristic. Flags combine with bitwise or.
type Subscription uint32

const (
	SubAccelerate     Subscription = 0x00000001
	SubGyroscope      Subscription = 0x00000002
	SubMagnetometer   Subscription = 0x00000004
	SubEulerAngle     Subscription = 0x00000008
	SubQuaternion     Subscription = 0x00000010
	SubRotationMatrix Subscription = 0x00000020
	SubEMGGesture     Subscription = 0x00000040
	SubEMGRaw         Subscription = 0x00000080
	SubHIDMouse       Subscription = 0x00000100
	SubHIDJoystick    Subscription = 0x00000200
	SubDeviceStatus   Subscription = 0x00000400
)

// DataType is the first byte of a data-characteristic packet.
type DataType byte

const (
	DataAccelerate     DataType = 0x01
	DataGyroscope      DataType = 0x02
	DataMagnetometer   DataType = 0x03
	DataEulerAngle     DataType = 0x04
	DataQuaternion     DataType = 0x05
	DataRotationMatrix DataType = 0x06
	DataEMGGesture     DataType = 0x07
	DataEMGRaw         DataType = 0x08
	DataHIDMouse       DataType = 0x09
	DataHIDJoystick    DataType = 0x0A
	DataDeviceStatus   DataType = 0x0B
	DataLog            DataType = 0x0C

	// partialFlag marks a fragment of a packet too large for one
	// notification; the fragment carries the type in the low bits and the
	// final fragment arrives with the flag clear.
	partialFlag = 0x80
)

func (t DataType) String() string {
	switch t {
	case DataAccelerate:
		return "accelerate"
	case DataGyroscope:
		return "gyroscope"
	case DataMagnetometer:
		return "magnetometer"
	case DataEulerAngle:
		return "euler"
	case DataQuaternion:
		return "quaternion"
	case DataRotationMatrix:
		return "rotation_matrix"
	case DataEMGGesture:
		return "emg_gesture"
	case DataEMGRaw:
		return "emg_raw"
	case DataHIDMouse:
		return "hid_mouse"
	case DataHIDJoystick:
		return "hid_joystick"
	case DataDeviceStatus:
		return "device_status"
	case DataLog:
		return "log"
	default:
		return "unknown"
	}
}

// EulerAngles is one orientation sample in degrees.
type EulerAngles struct {
	Pitch float32
	Roll  float32
	Yaw   float32
}

// Quaternion is one orientation sample.
type Quaternion struct {
	W float32
	X float32
	Y float32
	Z float32
}

// EMGRawConfig parameterizes raw EMG sampling.
type EMGRawConfig struct {
	SampleRate  uint16
	ChannelMask uint16
	DataLen     uint8
	Resolution  uint8
}

func encodeMotor(on bool) []byte {
	if on {
		return []byte{byte(CmdMotorControl), 0x01}
	}
	return []byte{byte(CmdMotorControl), 0x00}
}

func encodeSubscription(sub Subscription) []byte {
	out := make([]byte, 5)
	out[0] = byte(CmdSetDataNotifSwitch)
	binary.LittleEndian.PutUint32(out[1:], uint32(sub))
	return out
}

func encodeEMGRawConfig(cfg EMGRawConfig) []byte {
	out := make([]byte, 7)
	out[0] = byte(CmdSetEMGRawDataConfig)
	binary.LittleEndian.PutUint16(out[1:], cfg.SampleRate)
	binary.LittleEndian.PutUint16(out[3:], cfg.ChannelMask)
	out[5] = cfg.DataLen
	out[6] = cfg.Resolution
	return out
}

func decodeEuler(payload []byte) (EulerAngles, bool) {
	if len(payload) < 12 {
		return EulerAngles{}, false
	}
	return EulerAngles{
		Pitch: float32FromLE(payload[0:4]),
		Roll:  float32FromLE(payload[4:8]),
		Yaw:   float32FromLE(payload[8:12]),
	}, true
}

func decodeQuaternion(payload []byte) (Quaternion, bool) {
	if len(payload) < 16 {
		return Quaternion{}, false
	}
	return Quaternion{
		W: float32FromLE(payload[0:4]),
		X: float32FromLE(payload[4:8]),
		Y: float32FromLE(payload[8:12]),
		Z: float32FromLE(payload[12:16]),
	}, true
}

func float32FromLE(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
