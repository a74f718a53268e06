package epd

// Controller commands, grouped by what they program.

// Geometry and RAM addressing.
const (
	driverOutputControl            byte = 0x01
	dataEntryModeSetting           byte = 0x11
	setRAMXAddressStartEndPosition byte = 0x44
	setRAMYAddressStartEndPosition byte = 0x45
	setRAMXAddressCounter          byte = 0x4E
	setRAMYAddressCounter          byte = 0x4F
)

// Waveform control.
const (
	gateDrivingVoltageControl   byte = 0x03
	sourceDrivingVoltageControl byte = 0x04
	writeVcomRegister           byte = 0x2C
	writeLutRegister            byte = 0x32
	writeDisplayOptionRegister  byte = 0x37
	setDummyLinePeriod          byte = 0x3A
	setGateTime                 byte = 0x3B
	borderWaveformControl       byte = 0x3C
)

// Power, reset and update control.
const (
	deepSleepMode          byte = 0x10
	swReset                byte = 0x12
	masterActivation       byte = 0x20
	displayUpdateControl2  byte = 0x22
	setAnalogBlockControl  byte = 0x74
	setDigitalBlockControl byte = 0x7E
)

// RAM planes.
const (
	writeRAMBW  byte = 0x24 // new image
	writeRAMRed byte = 0x26 // old image, used as reference by partial updates
)

// Gate geometry. The controller drives gateCount gates; a panel shorter
// than that uses the top rows, so its RAM-Y window ends at
// gateCount - Height.
const (
	gateCount = 296

	// Scan direction bits for driverOutputControl.
	gateScanDirection byte = 0x01
)

// Register payloads.
const (
	analogBlockControl  byte = 0x54
	digitalBlockControl byte = 0x3B

	// Y decrement, X increment.
	dataEntryYDecXInc byte = 0x01

	borderWaveformFull    byte = 0x03
	borderWaveformPartial byte = 0x01

	vcomFull    byte = 0x55
	vcomPartial byte = 0x26

	// Display update sequences for displayUpdateControl2.
	updateSequenceFull      byte = 0xC7
	updateSequencePartial   byte = 0x0C
	updateSequenceClockOnly byte = 0xC0

	deepSleepRAMOff byte = 0x03
)

// partialWindow narrows the refresh window used by partial updates.
var partialWindow = [7]byte{0x00, 0x00, 0x00, 0x00, 0x40, 0x00, 0x00}
