package epd

// LUTSize is the length of a waveform table.
const LUTSize = 76

// waveformSize is the number of leading LUT bytes streamed to the LUT
// register; the remaining bytes are written to individual registers.
const waveformSize = 70

// LUT contains the waveform that is used to program the display. The array
// type keeps tables immutable: they are copied, never edited in place.
type LUT [LUTSize]byte

// Waveform returns the voltage/timing groups sent to writeLutRegister.
func (l *LUT) Waveform() []byte { return l[:waveformSize] }

// GateVoltage is written to gateDrivingVoltageControl.
func (l *LUT) GateVoltage() byte { return l[70] }

// SourceVoltages are written to sourceDrivingVoltageControl.
func (l *LUT) SourceVoltages() []byte { return l[71:74] }

// DummyLine is written to setDummyLinePeriod.
func (l *LUT) DummyLine() byte { return l[74] }

// GateTime is written to setGateTime.
func (l *LUT) GateTime() byte { return l[75] }

// FullLUT is the high quality waveform used for full updates.
var FullLUT = LUT{
	0x80, 0x60, 0x40, 0x00, 0x00, 0x00, 0x00, // LUT0: BB
	0x10, 0x60, 0x20, 0x00, 0x00, 0x00, 0x00, // LUT1: BW
	0x80, 0x60, 0x40, 0x00, 0x00, 0x00, 0x00, // LUT2: WB
	0x10, 0x60, 0x20, 0x00, 0x00, 0x00, 0x00, // LUT3: WW
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // LUT4: VCOM

	0x03, 0x03, 0x00, 0x00, 0x02, // TP0 A~D RP0
	0x09, 0x09, 0x00, 0x00, 0x02, // TP1 A~D RP1
	0x03, 0x03, 0x00, 0x00, 0x02, // TP2 A~D RP2
	0x00, 0x00, 0x00, 0x00, 0x00, // TP3 A~D RP3
	0x00, 0x00, 0x00, 0x00, 0x00, // TP4 A~D RP4
	0x00, 0x00, 0x00, 0x00, 0x00, // TP5 A~D RP5
	0x00, 0x00, 0x00, 0x00, 0x00, // TP6 A~D RP6

	0x15, 0x41, 0xA8, 0x32, 0x30, 0x0A,
}

// PartialLUT only drives pixels that change; it leaves residue behind, so
// a full update has to run every now and then.
var PartialLUT = LUT{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // LUT0: BB
	0x80, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // LUT1: BW
	0x40, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // LUT2: WB
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // LUT3: WW
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // LUT4: VCOM

	0x0A, 0x00, 0x00, 0x00, 0x00, // TP0 A~D RP0
	0x00, 0x00, 0x00, 0x00, 0x00, // TP1 A~D RP1
	0x00, 0x00, 0x00, 0x00, 0x00, // TP2 A~D RP2
	0x00, 0x00, 0x00, 0x00, 0x00, // TP3 A~D RP3
	0x00, 0x00, 0x00, 0x00, 0x00, // TP4 A~D RP4
	0x00, 0x00, 0x00, 0x00, 0x00, // TP5 A~D RP5
	0x00, 0x00, 0x00, 0x00, 0x00, // TP6 A~D RP6

	0x15, 0x41, 0xA8, 0x32, 0x30, 0x0A,
}
