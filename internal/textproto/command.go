package textproto

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wyrdmeister/atmd-go/internal/model"
)

// paramNames lists the SET/GET keys, in the order the teacher's config.go
// lists its flags: one line per knob, no cleverness.
var paramNames = []string{
	"START_RISING", "START_FALLING", "RISING_MASK", "FALLING_MASK",
	"MEASURE_TIME_NS", "WINDOW_TIME_NS", "TIMEOUT_NS", "DEADTIME_NS",
	"START_OFFSET", "REFCLK_DIV", "HSDIV", "TDMA_CYCLE",
}

// getParam reads one MeasureDef/tdmaCycle field by SET/GET key name.
func getParam(def model.MeasureDef, tdmaCycle uint32, key string) (string, error) {
	switch strings.ToUpper(key) {
	case "START_RISING":
		return strconv.FormatUint(uint64(def.StartRising), 10), nil
	case "START_FALLING":
		return strconv.FormatUint(uint64(def.StartFalling), 10), nil
	case "RISING_MASK":
		return strconv.FormatUint(uint64(def.RisingMask), 10), nil
	case "FALLING_MASK":
		return strconv.FormatUint(uint64(def.FallingMask), 10), nil
	case "MEASURE_TIME_NS":
		return strconv.FormatUint(def.MeasureTimeNS, 10), nil
	case "WINDOW_TIME_NS":
		return strconv.FormatUint(def.WindowTimeNS, 10), nil
	case "TIMEOUT_NS":
		return strconv.FormatUint(def.TimeoutNS, 10), nil
	case "DEADTIME_NS":
		return strconv.FormatUint(def.DeadtimeNS, 10), nil
	case "START_OFFSET":
		return strconv.FormatUint(uint64(def.StartOffset), 10), nil
	case "REFCLK_DIV":
		return strconv.FormatUint(uint64(def.RefClkDiv), 10), nil
	case "HSDIV":
		return strconv.FormatUint(uint64(def.HSDiv), 10), nil
	case "TDMA_CYCLE":
		return strconv.FormatUint(uint64(tdmaCycle), 10), nil
	default:
		return "", fmt.Errorf("%w: unknown key %q", ErrBadArgs, key)
	}
}

// setParam writes one MeasureDef/tdmaCycle field by SET key name, parsing
// val according to the field's width.
func setParam(def *model.MeasureDef, tdmaCycle *uint32, key, val string) error {
	switch strings.ToUpper(key) {
	case "START_RISING":
		v, err := parseUint(val, 8)
		if err != nil {
			return err
		}
		def.StartRising = uint8(v)
	case "START_FALLING":
		v, err := parseUint(val, 8)
		if err != nil {
			return err
		}
		def.StartFalling = uint8(v)
	case "RISING_MASK":
		v, err := parseUint(val, 8)
		if err != nil {
			return err
		}
		def.RisingMask = uint8(v)
	case "FALLING_MASK":
		v, err := parseUint(val, 8)
		if err != nil {
			return err
		}
		def.FallingMask = uint8(v)
	case "MEASURE_TIME_NS":
		v, err := parseUint(val, 64)
		if err != nil {
			return err
		}
		def.MeasureTimeNS = v
	case "WINDOW_TIME_NS":
		v, err := parseUint(val, 64)
		if err != nil {
			return err
		}
		def.WindowTimeNS = v
	case "TIMEOUT_NS":
		v, err := parseUint(val, 64)
		if err != nil {
			return err
		}
		def.TimeoutNS = v
	case "DEADTIME_NS":
		v, err := parseUint(val, 64)
		if err != nil {
			return err
		}
		def.DeadtimeNS = v
	case "START_OFFSET":
		v, err := parseUint(val, 32)
		if err != nil {
			return err
		}
		def.StartOffset = uint32(v)
	case "REFCLK_DIV":
		v, err := parseUint(val, 16)
		if err != nil {
			return err
		}
		def.RefClkDiv = uint16(v)
	case "HSDIV":
		v, err := parseUint(val, 16)
		if err != nil {
			return err
		}
		def.HSDiv = uint16(v)
	case "TDMA_CYCLE":
		v, err := parseUint(val, 32)
		if err != nil {
			return err
		}
		*tdmaCycle = uint32(v)
	default:
		return fmt.Errorf("%w: unknown key %q", ErrBadArgs, key)
	}
	return nil
}

func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadArgs, err)
	}
	return v, nil
}

// parseLine splits one CRLF-stripped command line into its verb and
// whitespace-separated arguments. Hand-written rather than regex-per-line,
// per spec §9 Design Notes.
func parseLine(line string) (verb string, args []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToUpper(fields[0]), fields[1:]
}
