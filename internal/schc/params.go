// Package schc holds the wire-layout parameters shared by the
// fragmenter, ack and reassembler packages. Both peers of a link
// must be built or configured with the same values; they are loaded
// per device from the rule profile (internal/config).
package schc

import "fmt"

// Params is one device's SCHC fragmentation profile.
type Params struct {
	RuleSizeBits   int
	DtagSizeBits   int
	WindowSizeBits int
	FcnSizeBits    int
	MicSizeBytes   int
	MaxWindFcn     int
	MaxMTULength   int
	RxConns        int
	FragPos        int
	CompressBitmap bool
}

// DefaultParams is the single-window profile: an 8-bit rule id with the
// fragmentation bit at position 7, no dtag space, a 1-bit window, a
// 3-bit FCN (window holds 7 fragments), a 4-byte MIC and a 256-byte
// MTU ceiling.
func DefaultParams() Params {
	return Params{
		RuleSizeBits:   8,
		DtagSizeBits:   0,
		WindowSizeBits: 1,
		FcnSizeBits:    3,
		MicSizeBytes:   4,
		MaxWindFcn:     6,
		MaxMTULength:   256,
		RxConns:        4,
		FragPos:        7,
		CompressBitmap: false,
	}
}

// BitmapSizeBytes is the number of bytes needed to hold one window's worth
// of per-fragment acknowledgement bits.
func (p Params) BitmapSizeBytes() int {
	return (p.MaxWindFcn + 1 + 7) / 8
}

// HeaderBitsNoMIC is the width, in bits, of the fragmentation header
// excluding the trailing MIC carried only on the terminal fragment.
func (p Params) HeaderBitsNoMIC() int {
	return p.RuleSizeBits + p.DtagSizeBits + p.WindowSizeBits + p.FcnSizeBits
}

// RuleSizeBytes is the byte width backing RuleSizeBits.
func (p Params) RuleSizeBytes() int {
	return (p.RuleSizeBits + 7) / 8
}

// WindowSize is the number of fragment slots per window.
func (p Params) WindowSize() int {
	return p.MaxWindFcn + 1
}

// Validate checks the invariants the fragmenter and framer assume hold.
func (p Params) Validate() error {
	if p.RuleSizeBits <= 0 {
		return fmt.Errorf("schc: RuleSizeBits must be positive")
	}
	if p.FcnSizeBits <= 0 {
		return fmt.Errorf("schc: FcnSizeBits must be positive")
	}
	if p.MaxWindFcn >= (1 << uint(p.FcnSizeBits)) {
		return fmt.Errorf("schc: MaxWindFcn %d does not fit in FcnSizeBits %d", p.MaxWindFcn, p.FcnSizeBits)
	}
	if p.MicSizeBytes <= 0 {
		return fmt.Errorf("schc: MicSizeBytes must be positive")
	}
	if p.MaxMTULength <= 0 {
		return fmt.Errorf("schc: MaxMTULength must be positive")
	}
	if p.FragPos < 0 || p.FragPos >= p.RuleSizeBytes()*8 {
		return fmt.Errorf("schc: FragPos %d out of range for a %d-bit rule id", p.FragPos, p.RuleSizeBits)
	}
	return nil
}

// ReturnCode is the coarse outcome of a fragmentation attempt, kept
// alongside the Go error so a zero-value success path never needs a
// sentinel error at all.
type ReturnCode int

const (
	Success ReturnCode = iota
	Failure
	NoFragmentation
)

func (r ReturnCode) String() string {
	switch r {
	case Success:
		return "SCHC_SUCCESS"
	case NoFragmentation:
		return "SCHC_NO_FRAGMENTATION"
	default:
		return "SCHC_FAILURE"
	}
}
