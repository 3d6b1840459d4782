package board

// Hardware is the low-level register/FIFO contract a converter front-end
// must satisfy. GenericDriver implements the Driver state machine (spec
// §4.3) purely in terms of Hardware, so board/pci (real mmap'd registers)
// and board/sim (deterministic fake) share one acquire_start algorithm —
// the same split the teacher uses between internal/socketcan.Dev and its
// test fakes.
type Hardware interface {
	// MasterReset issues a soft chip reset preserving the start timer.
	MasterReset() error
	// ConfigureRegisters programs registers 0-12 from a MeasureDef.
	ConfigureRegisters(regs [13]uint32) error
	// PllLocked reads status register bit 10.
	PllLocked() (bool, error)
	// EnableInputs / DisableInputs toggle acquisition (mb_config(0x0008) disables).
	EnableInputs() error
	DisableInputs() error
	// StartPulsePending polls register 12 bit 12 for the start pulse / mtimer end.
	StartPulsePending() (bool, error)
	// StatusEdges reads the motherboard status register once per loop
	// iteration and reports the INTFLAG bit (bit 5) and whether the board's
	// stop latch has fired.
	StatusEdges() (intflag bool, stopped bool, err error)
	// FifoEnabled reports whether a FIFO (0 or 1) is enabled; both the pci
	// and sim implementations always report true. GenericDriver does not
	// call it: it derives FIFO enablement from the MeasureDef's
	// rising/falling masks (0x0F -> FIFO0, 0xF0 -> FIFO1) itself.
	FifoEnabled(fifo int) bool
	// FifoEmpty reports whether the given FIFO currently has no word ready.
	FifoEmpty(fifo int) (bool, error)
	// FifoPop reads and consumes one 32-bit FIFO word.
	FifoPop(fifo int) (uint32, error)
	// ReadStart01 reads register 10 (start01), masked to 17 bits by the caller.
	ReadStart01() (uint32, error)
	// NowNS returns a monotonic nanosecond timestamp (injected for testability).
	NowNS() uint64
}
