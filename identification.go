package labbus

import "fmt"

// FuncDeviceIdentification is the reserved opcode for the standard
// identification function every device supports.
const FuncDeviceIdentification byte = 0x01

const identificationModelFieldLen = 16

// DeviceIdentification requests a peripheral's model string and firmware
// version. Device.IdentifyAndCheck executes it and hands the populated
// function to the device's CompatibilityChecker, if one was supplied.
type DeviceIdentification struct {
	BaseFunction
	Model        string
	VersionMajor byte
	VersionMinor byte
}

// NewDeviceIdentification returns a DeviceIdentification ready to execute.
func NewDeviceIdentification() *DeviceIdentification {
	return &DeviceIdentification{BaseFunction: NewBaseFunction(FuncDeviceIdentification)}
}

func (f *DeviceIdentification) EncodeRequest(address byte) []byte {
	return NewPacketBuilder(f.Code(), ChecksumNone).Build(address)
}

func (f *DeviceIdentification) SetResponse(response *Packet) error {
	if response.Length() < identificationModelFieldLen+2 {
		return &PacketFormatError{Reason: "identification response too short"}
	}
	f.Model = response.GetString(0, identificationModelFieldLen)
	f.VersionMajor = response.GetUint8(identificationModelFieldLen)
	f.VersionMinor = response.GetUint8(identificationModelFieldLen + 1)
	return nil
}

func (f *DeviceIdentification) String() string {
	return fmt.Sprintf("%s v%d.%d", f.Model, f.VersionMajor, f.VersionMinor)
}
