package i2s

import (
	"fmt"
)

// Program identifies one of the serial engine programs used by the drivers.
type Program int

const (
	// ProgramI2S generates the bit and word clocks and shifts data out on a single state machine.
	ProgramI2S Program = iota
	// ProgramClockGen generates only the bit and word clocks shared by several DACs.
	ProgramClockGen
	// ProgramData shifts data out in lockstep with a clock generated by another state machine.
	ProgramData
)

// ProgramNames maps programs to their human-readable names.
var ProgramNames = map[Program]string{
	ProgramI2S:      "i2s",
	ProgramClockGen: "i2s_clock",
	ProgramData:     "i2s_data",
}

// String returns the name of the program.
func (p Program) String() string {
	if name, ok := ProgramNames[p]; ok {
		return name
	}

	return fmt.Sprintf("Program(%d)", int(p))
}

// ProgramHandle is the opaque result of loading a program into a serial engine.
type ProgramHandle int

// PinConfig describes the pins a state machine drives. Unused pins are -1.
type PinConfig struct {
	Data      int
	ClockBase int // Bit clock on ClockBase, word select on ClockBase+1.
}

// TransferSize is the width of a single transfer engine read.
type TransferSize int

const (
	TransferSize16 TransferSize = 2
	TransferSize32 TransferSize = 4
)

// TransferConfig configures a transfer engine channel to feed a serial engine FIFO.
type TransferConfig struct {
	Dest    int // TX FIFO endpoint of the target state machine.
	Size    TransferSize
	Trigger int // Data request line paced by the target state machine.
}

// PinFunction is a logical capability assigned to a physical pin.
type PinFunction int

const (
	PinFunctionSerial PinFunction = iota + 1
)

// SerialEngine is the clocked shift-register block that runs the I2S programs.
type SerialEngine interface {
	// Claim reserves a state machine. It fails if the state machine is already in use.
	Claim(sm int) error
	Unclaim(sm int)
	// Load installs a program once and returns its handle. Loading a program twice returns the same handle.
	Load(p Program) (ProgramHandle, error)
	// Init configures a claimed state machine to run a loaded program on the given pins.
	Init(sm int, h ProgramHandle, pins PinConfig) error
	SetClockDivider(sm int, d Divider)
	SetEnabled(sm int, enabled bool)
	// SetMaskEnabled starts or stops every state machine in mask on the same clock edge.
	SetMaskEnabled(mask uint32, enabled bool)
	TxFIFO(sm int) int
	DREQ(sm int) int
}

// TransferEngine is the DMA block that moves buffers into a serial engine FIFO.
type TransferEngine interface {
	Claim(ch int) error
	Unclaim(ch int)
	Configure(ch int, cfg TransferConfig) error
	// Start arms a transfer of count units read from src. When incrementRead is false
	// the first unit of src is read repeatedly.
	Start(ch int, src []byte, count int, incrementRead bool)
	SetInterruptEnabled(irq, ch int, enabled bool)
	Pending(irq, ch int) bool
	Acknowledge(irq, ch int)
}

// InterruptController registers completion handlers on a shared interrupt line.
type InterruptController interface {
	AddSharedHandler(irq int, handler func()) (remove func(), err error)
	SetEnabled(irq int, enabled bool)
}

// PinMux assigns functions to pins.
type PinMux interface {
	SetFunction(pin int, fn PinFunction) error
}

// SystemClock reports the frequency of the clock feeding the serial engine.
type SystemClock interface {
	Hz() uint32
}

// Hardware bundles the collaborators a driver needs.
type Hardware struct {
	Serial    SerialEngine
	Transfer  TransferEngine
	Interrupt InterruptController
	Pins      PinMux
	Clock     SystemClock
}

func (h Hardware) validate() error {
	if h.Serial == nil || h.Transfer == nil || h.Interrupt == nil || h.Pins == nil || h.Clock == nil {
		return fmt.Errorf("%w: incomplete hardware", ErrInvalidConfig)
	}

	return nil
}

// claims records resources taken during setup so they can be released if a later step fails.
type claims struct {
	undo []func()
}

func (c *claims) add(f func()) {
	c.undo = append(c.undo, f)
}

func (c *claims) rollback() {
	for i := len(c.undo) - 1; i >= 0; i-- {
		c.undo[i]()
	}
	c.undo = nil
}
