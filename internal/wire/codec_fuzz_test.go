package wire

import "testing"

// FuzzDecodeData exercises DecodeData against arbitrary byte slices; the
// codec must never panic, only return an error for malformed input.
func FuzzDecodeData(f *testing.F) {
	f.Add([]byte{})
	f.Add(EncodeTerm(1, 2))
	seed := NewPacker(1, 0, 0, []Event{{Channel: 1, StoptimeBins: 1, Retrig: 0}})
	frame, _ := seed.Next()
	f.Add(frame)

	f.Fuzz(func(t *testing.T, b []byte) {
		_, _ = DecodeData(b)
	})
}

// FuzzDecodeControl exercises DecodeControl similarly.
func FuzzDecodeControl(f *testing.F) {
	f.Add(EncodeControl(CtlACK, nil))
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, b []byte) {
		_, _ = DecodeControl(b)
	})
}
