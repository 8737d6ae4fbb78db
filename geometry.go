package main

// Science cases select the time resolution of the observation.
const (
	ScienceCase3 = 3 // 12500 samples per beam per page
	ScienceCase4 = 4 // 25000 samples per beam per page
)

// Science modes select the beamforming product and polarization content
// of the ringbuffer pages.
const (
	ModeITAB    = 0 // Stokes I, tied-array beams, 1-bit packed output
	ModeIQUVTAB = 1 // Stokes IQUV, tied-array beams, full resolution output
	ModeIIAB    = 2 // Stokes I, incoherent array beam, 1-bit packed output
	ModeIQUVIAB = 3 // Stokes IQUV, incoherent array beam, full resolution output
)

// ModeNames maps a science mode to its display name.
var ModeNames = [4]string{"I+TAB", "IQUV+TAB", "I+IAB", "IQUV+IAB"}

// Fixed dimensions of the filterbank stream. Every supported observation
// delivers 1536 frequency channels per beam; Stokes I output is reduced to
// 384 channels by 500 time samples before packing.
const (
	NumChannels        = 1536
	NumChannelsLow     = NumChannels / 4
	NumTimesLow        = 500
	NumSubbands        = 32
	ChannelsPerSubband = NumChannels / NumSubbands
	NumPolsIQUV        = 4
)

// PageSeconds is the wall-clock duration covered by one ringbuffer page.
const PageSeconds = 1.024

// Geometry holds every buffer dimension derived from the science case and
// science mode of a run. Resolve it once at startup and treat it as
// read-only afterwards.
type Geometry struct {
	ScienceCase int
	ScienceMode int

	NumBeams       int // beams per page: 12 for TAB modes, 1 for IAB modes
	NumPols        int // 1 for Stokes I modes, 4 for IQUV modes
	RawSamples     int // time samples per beam per page before averaging
	SequenceLength int // packet sequences per channel group (IQUV modes)
	PaddedSize     int // stride in samples between channels inside a page

	Packed bool // true for modes 0 and 2: downsample and 1-bit pack
}

// ResolveGeometry validates a science case, science mode and padding
// combination and derives the buffer dimensions for it.
func ResolveGeometry(scienceCase, scienceMode, paddedSize int) (*Geometry, error) {
	g := &Geometry{
		ScienceCase: scienceCase,
		ScienceMode: scienceMode,
		PaddedSize:  paddedSize,
	}

	switch scienceCase {
	case ScienceCase3:
		g.RawSamples = 12500
		g.SequenceLength = 25
	case ScienceCase4:
		g.RawSamples = 25000
		g.SequenceLength = 50
	default:
		return nil, configErrorf("science case %d not supported, must be 3 or 4", scienceCase)
	}

	switch scienceMode {
	case ModeITAB:
		g.NumBeams = 12
		g.NumPols = 1
		g.Packed = true
	case ModeIQUVTAB:
		g.NumBeams = 12
		g.NumPols = NumPolsIQUV
	case ModeIIAB:
		g.NumBeams = 1
		g.NumPols = 1
		g.Packed = true
	case ModeIQUVIAB:
		g.NumBeams = 1
		g.NumPols = NumPolsIQUV
	default:
		return nil, configErrorf("science mode %d not supported, must be 0, 1, 2 or 3", scienceMode)
	}

	if g.Packed && g.PaddedSize < g.RawSamples {
		return nil, configErrorf("padded size %d is smaller than %d time samples per page", g.PaddedSize, g.RawSamples)
	}

	return g, nil
}

// ModeName returns the display name of the resolved science mode.
func (g *Geometry) ModeName() string {
	return ModeNames[g.ScienceMode]
}

// PageSize returns the expected size in bytes of one ringbuffer page.
// Packed modes lay each beam out as 1536 channels of PaddedSize samples;
// IQUV modes carry the interleaved packet stream with no padding.
func (g *Geometry) PageSize() int {
	if g.Packed {
		return g.NumBeams * NumChannels * g.PaddedSize
	}
	return g.NumBeams * NumChannels * g.NumPols * g.RawSamples
}

// BeamSize returns the size in bytes of one beam inside a page.
func (g *Geometry) BeamSize() int {
	return g.PageSize() / g.NumBeams
}

// TransposedSize returns the size in bytes of the beam-major buffer the
// IQUV deinterleaver scatters a page into.
func (g *Geometry) TransposedSize() int {
	return g.NumBeams * NumChannels * g.NumPols * g.RawSamples
}

// RowSize returns the size in bytes of one output data row per beam.
func (g *Geometry) RowSize() int {
	if g.Packed {
		return NumChannelsLow * NumTimesLow / 8
	}
	return NumChannels * g.NumPols * g.RawSamples
}

// RowChannels returns the number of frequency channels in one output row.
func (g *Geometry) RowChannels() int {
	if g.Packed {
		return NumChannelsLow
	}
	return NumChannels
}
