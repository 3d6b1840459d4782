// Package wire implements the fixed-size L2 frame codec shared by the
// control plane (ethertype 0x5555) and data plane (ethertype 0x5115) of the
// Master/Agent protocol. Frames never exceed ATMD_PACKET_SIZE (1500 bytes)
// and carry host-native integers: the wire is a closed TDMA segment between
// agents of the same architecture (see spec §4.5, §9 Open Questions).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Protocol constants (spec §6.2).
const (
	PacketSize  = 1500
	EventSize   = 9 // i8 channel, i32 stoptime, u32 retrig
	VersionLen  = 32
	AutoRetrig  = 199
	TrefPS      = 25_000

	// EthertypeControl and EthertypeData select the two raw AF_PACKET
	// sockets internal/rtnet.Open binds to (spec §6.2).
	EthertypeControl = 0x5555
	EthertypeData    = 0x5115
)

// nativeEndian is resolved once; the converter and its Agent are always the
// same architecture so this only matters for cross-compiled test binaries.
var nativeEndian = binary.NativeEndian

// ErrUnknownType is returned when Decode encounters a type code outside the
// known control/data sets.
var ErrUnknownType = errors.New("wire: unknown frame type")

// ErrTruncated is returned when a buffer is too short for its declared size.
var ErrTruncated = errors.New("wire: truncated frame")

// ControlType enumerates control-plane message types.
type ControlType uint16

const (
	CtlBadType  ControlType = 0
	CtlBRD      ControlType = 1
	CtlHELLO    ControlType = 2
	CtlPROTO    ControlType = 3
	CtlMEASSET  ControlType = 4
	CtlMEASCTR  ControlType = 5
	CtlACK      ControlType = 6
	CtlBUSY     ControlType = 7
	CtlERROR    ControlType = 8
)

// DataType enumerates data-plane message types.
type DataType uint16

const (
	DatFIRST DataType = 7
	DatONLY  DataType = 8
	DatDATA  DataType = 9
	DatLAST  DataType = 10
	DatTERM  DataType = 11
)

// MeasCtrAction is the action carried by a MEAS_CTR control message.
type MeasCtrAction uint16

const (
	ActionNone  MeasCtrAction = 0
	ActionStart MeasCtrAction = 1
	ActionStop  MeasCtrAction = 2
)

// --- Control messages -------------------------------------------------

// Version carries a NUL-terminated, ≤32-byte ASCII version string.
type Version struct {
	Value string
}

// EncodeVersionPayload produces the fixed, NUL-padded version payload.
func EncodeVersionPayload(v string) ([]byte, error) {
	if len(v) >= VersionLen {
		return nil, fmt.Errorf("wire: version %q exceeds %d bytes", v, VersionLen-1)
	}
	buf := make([]byte, VersionLen)
	copy(buf, v)
	return buf, nil
}

// DecodeVersionPayload reads a NUL-terminated version string from a
// VersionLen-sized payload.
func DecodeVersionPayload(b []byte) (string, error) {
	if len(b) < VersionLen {
		return "", ErrTruncated
	}
	n := 0
	for n < VersionLen && b[n] != 0 {
		n++
	}
	return string(b[:n]), nil
}

// MeasSet is the MEAS_SET control payload.
type MeasSet struct {
	AgentID      uint32
	StartRising  uint8
	StartFalling uint8
	RisingMask   uint8
	FallingMask  uint8
	MeasureTime  uint64
	WindowTime   uint64
	Timeout      uint64
	Deadtime     uint64
	StartOffset  uint32
	RefClkDiv    uint16
	HSDiv        uint16
}

const measSetSize = 4 + 1 + 1 + 1 + 1 + 8 + 8 + 8 + 8 + 4 + 2 + 2 // 48

// EncodeMeasSet writes the MEAS_SET payload.
func EncodeMeasSet(m MeasSet) []byte {
	buf := make([]byte, measSetSize)
	nativeEndian.PutUint32(buf[0:4], m.AgentID)
	buf[4] = m.StartRising
	buf[5] = m.StartFalling
	buf[6] = m.RisingMask
	buf[7] = m.FallingMask
	nativeEndian.PutUint64(buf[8:16], m.MeasureTime)
	nativeEndian.PutUint64(buf[16:24], m.WindowTime)
	nativeEndian.PutUint64(buf[24:32], m.Timeout)
	nativeEndian.PutUint64(buf[32:40], m.Deadtime)
	nativeEndian.PutUint32(buf[40:44], m.StartOffset)
	nativeEndian.PutUint16(buf[44:46], m.RefClkDiv)
	nativeEndian.PutUint16(buf[46:48], m.HSDiv)
	return buf
}

// DecodeMeasSet parses a MEAS_SET payload.
func DecodeMeasSet(b []byte) (MeasSet, error) {
	var m MeasSet
	if len(b) < measSetSize {
		return m, ErrTruncated
	}
	m.AgentID = nativeEndian.Uint32(b[0:4])
	m.StartRising = b[4]
	m.StartFalling = b[5]
	m.RisingMask = b[6]
	m.FallingMask = b[7]
	m.MeasureTime = nativeEndian.Uint64(b[8:16])
	m.WindowTime = nativeEndian.Uint64(b[16:24])
	m.Timeout = nativeEndian.Uint64(b[24:32])
	m.Deadtime = nativeEndian.Uint64(b[32:40])
	m.StartOffset = nativeEndian.Uint32(b[40:44])
	m.RefClkDiv = nativeEndian.Uint16(b[44:46])
	m.HSDiv = nativeEndian.Uint16(b[46:48])
	return m, nil
}

// MeasCtr is the MEAS_CTR control payload.
type MeasCtr struct {
	Action    MeasCtrAction
	TDMACycle uint32
}

const measCtrSize = 2 + 4

func EncodeMeasCtr(m MeasCtr) []byte {
	buf := make([]byte, measCtrSize)
	nativeEndian.PutUint16(buf[0:2], uint16(m.Action))
	nativeEndian.PutUint32(buf[2:6], m.TDMACycle)
	return buf
}

func DecodeMeasCtr(b []byte) (MeasCtr, error) {
	var m MeasCtr
	if len(b) < measCtrSize {
		return m, ErrTruncated
	}
	m.Action = MeasCtrAction(nativeEndian.Uint16(b[0:2]))
	m.TDMACycle = nativeEndian.Uint32(b[2:6])
	return m, nil
}

// ControlFrame is a decoded control-plane message: [u16 type][u16 size][payload].
type ControlFrame struct {
	Type    ControlType
	Payload []byte
}

// EncodeControl serializes a control frame.
func EncodeControl(typ ControlType, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	nativeEndian.PutUint16(buf[0:2], uint16(typ))
	nativeEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)
	return buf
}

// DecodeControl parses a control frame header and returns the payload slice.
func DecodeControl(b []byte) (ControlFrame, error) {
	if len(b) < 4 {
		return ControlFrame{}, ErrTruncated
	}
	typ := ControlType(nativeEndian.Uint16(b[0:2]))
	size := int(nativeEndian.Uint16(b[2:4]))
	if !isKnownControlType(typ) {
		return ControlFrame{}, fmt.Errorf("%w: %d", ErrUnknownType, typ)
	}
	if len(b) < 4+size {
		return ControlFrame{}, ErrTruncated
	}
	return ControlFrame{Type: typ, Payload: b[4 : 4+size]}, nil
}

func isKnownControlType(t ControlType) bool {
	switch t {
	case CtlBRD, CtlHELLO, CtlPROTO, CtlMEASSET, CtlMEASCTR, CtlACK, CtlBUSY, CtlERROR:
		return true
	default:
		return false
	}
}

// --- Data messages ------------------------------------------------------

// dataHeaderSize is the common [type][numev][start_id] prefix.
const dataHeaderSize = 2 + 2 + 4

// optHeaderSize is the optional [total_events][window_start_ns][window_time_ns]
// header present on FIRST/ONLY frames.
const optHeaderSize = 4 + 8 + 8

// DataHeader is the optional per-start header carried by FIRST/ONLY frames.
type DataHeader struct {
	TotalEvents   uint32
	WindowStartNS uint64
	WindowTimeNS  uint64
}

// DataFrame is one decoded data-plane packet.
type DataFrame struct {
	Type    DataType
	StartID uint32
	Header  *DataHeader // non-nil only for FIRST/ONLY
	Events  []Event
	// Term is populated only when Type == DatTERM.
	Term *TermPayload
}

// Event is a single decoded StopEvent on the wire.
type Event struct {
	Channel      int8
	StoptimeBins int32
	Retrig       uint32
}

// TermPayload carries the window timing of an ended measure on one agent.
type TermPayload struct {
	WindowStartNS uint64
	WindowTimeNS  uint64
}

func encodeEvent(buf []byte, e Event) {
	buf[0] = byte(e.Channel)
	nativeEndian.PutUint32(buf[1:5], uint32(e.StoptimeBins))
	nativeEndian.PutUint32(buf[5:9], e.Retrig)
}

func decodeEvent(buf []byte) Event {
	return Event{
		Channel:      int8(buf[0]),
		StoptimeBins: int32(nativeEndian.Uint32(buf[1:5])),
		Retrig:       nativeEndian.Uint32(buf[5:9]),
	}
}

// EncodeTerm builds the distinct TERM shape: [u16 TERM][u16 0][u64 start][u64 time].
func EncodeTerm(windowStartNS, windowTimeNS uint64) []byte {
	buf := make([]byte, 4+8+8)
	nativeEndian.PutUint16(buf[0:2], uint16(DatTERM))
	nativeEndian.PutUint16(buf[2:4], 0)
	nativeEndian.PutUint64(buf[4:12], windowStartNS)
	nativeEndian.PutUint64(buf[12:20], windowTimeNS)
	return buf
}

// Packer incrementally serializes one start's events into MTU-sized data
// frames, following spec §4.5's encode/next_offset contract: the caller
// repeatedly calls Next until ok is false, transmitting each returned frame.
type Packer struct {
	startID    uint32
	windowBeg  uint64
	windowDur  uint64
	events     []Event
	offset     int
	firstSent  bool
}

// NewPacker prepares a packer for one start's events.
func NewPacker(startID uint32, windowBeginNS, windowDurationNS uint64, events []Event) *Packer {
	return &Packer{startID: startID, windowBeg: windowBeginNS, windowDur: windowDurationNS, events: events}
}

// Next returns the next frame to transmit, or ok=false once every event has
// been packed. The first frame is FIRST (more to come) or ONLY (fits
// entirely); continuations are DATA, and the final continuation is LAST.
func (p *Packer) Next() (frame []byte, ok bool) {
	if p.offset >= len(p.events) && p.firstSent {
		return nil, false
	}
	var header []byte
	var typ DataType
	budget := PacketSize - dataHeaderSize
	if !p.firstSent {
		header = make([]byte, optHeaderSize)
		nativeEndian.PutUint32(header[0:4], uint32(len(p.events)))
		nativeEndian.PutUint64(header[4:12], p.windowBeg)
		nativeEndian.PutUint64(header[12:20], p.windowDur)
		budget -= optHeaderSize
		typ = DatFIRST
	} else {
		typ = DatDATA
	}

	maxEvents := budget / EventSize
	remaining := len(p.events) - p.offset
	n := remaining
	if n > maxEvents {
		n = maxEvents
	}
	willFinish := p.offset+n >= len(p.events)
	if !p.firstSent && willFinish {
		typ = DatONLY
	} else if p.firstSent && willFinish {
		typ = DatLAST
	}

	buf := make([]byte, dataHeaderSize+len(header)+n*EventSize)
	nativeEndian.PutUint16(buf[0:2], uint16(typ))
	nativeEndian.PutUint16(buf[2:4], uint16(n))
	nativeEndian.PutUint32(buf[4:8], p.startID)
	pos := dataHeaderSize
	if len(header) > 0 {
		copy(buf[pos:], header)
		pos += len(header)
	}
	for i := 0; i < n; i++ {
		encodeEvent(buf[pos:pos+EventSize], p.events[p.offset+i])
		pos += EventSize
	}
	p.offset += n
	p.firstSent = true
	return buf, true
}

// DecodeData parses one data-plane frame.
func DecodeData(b []byte) (DataFrame, error) {
	if len(b) < 4 {
		return DataFrame{}, ErrTruncated
	}
	typ := DataType(nativeEndian.Uint16(b[0:2]))
	numev := int(nativeEndian.Uint16(b[2:4]))

	switch typ {
	case DatTERM:
		if len(b) < 4+16 {
			return DataFrame{}, ErrTruncated
		}
		return DataFrame{
			Type: DatTERM,
			Term: &TermPayload{
				WindowStartNS: nativeEndian.Uint64(b[4:12]),
				WindowTimeNS:  nativeEndian.Uint64(b[12:20]),
			},
		}, nil
	case DatFIRST, DatONLY, DatDATA, DatLAST:
		if len(b) < dataHeaderSize {
			return DataFrame{}, ErrTruncated
		}
		startID := nativeEndian.Uint32(b[4:8])
		pos := dataHeaderSize
		df := DataFrame{Type: typ, StartID: startID}
		if typ == DatFIRST || typ == DatONLY {
			if len(b) < pos+optHeaderSize {
				return DataFrame{}, ErrTruncated
			}
			df.Header = &DataHeader{
				TotalEvents:   nativeEndian.Uint32(b[pos : pos+4]),
				WindowStartNS: nativeEndian.Uint64(b[pos+4 : pos+12]),
				WindowTimeNS:  nativeEndian.Uint64(b[pos+12 : pos+20]),
			}
			pos += optHeaderSize
		}
		if len(b) < pos+numev*EventSize {
			return DataFrame{}, ErrTruncated
		}
		df.Events = make([]Event, numev)
		for i := 0; i < numev; i++ {
			df.Events[i] = decodeEvent(b[pos : pos+EventSize])
			pos += EventSize
		}
		return df, nil
	default:
		return DataFrame{}, fmt.Errorf("%w: %d", ErrUnknownType, typ)
	}
}
