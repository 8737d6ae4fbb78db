package main

import (
	"log"
	"math"
)

// PackedRow is one beam's worth of output for a single page: 1-bit packed
// samples plus the per-channel offset and scale needed to undo the
// reduction. Offset and Scale are indexed by output channel, highest
// frequency first, matching the channel order of the packed data.
type PackedRow struct {
	Data   []byte    // NumChannelsLow * NumTimesLow / 8 bytes
	Offset []float32 // NumChannelsLow entries
	Scale  []float32 // NumChannelsLow entries

	InvalidChannels int // channels whose statistics came out NaN or Inf
}

// Compressor reduces one beam of Stokes I data to the packed output
// format. The input is 1536 channels of RawSamples byte samples, laid out
// channel by channel with a stride of PaddedSize. The output is 384
// channels by 500 samples, one bit per sample.
//
// A Compressor owns a scratch grid and is not safe for concurrent use.
type Compressor struct {
	geom *Geometry
	grid []uint32 // downsampled samples, channel major, 384 x 500
}

// NewCompressor returns a Compressor for a packed geometry.
func NewCompressor(geom *Geometry) *Compressor {
	return &Compressor{
		geom: geom,
		grid: make([]uint32, NumChannelsLow*NumTimesLow),
	}
}

// Compress downsamples and packs one beam from a ringbuffer page.
// The beam slice must hold NumChannels * PaddedSize bytes.
func (c *Compressor) Compress(beam []byte) *PackedRow {
	c.downsample(beam)
	return c.pack()
}

// downsample sums blocks of 4 adjacent channels by RawSamples/500 adjacent
// time samples into the scratch grid. A cell sums at most 200 byte values,
// so it stays well below the uint32 limit.
func (c *Compressor) downsample(beam []byte) {
	ratio := c.geom.RawSamples / NumTimesLow
	stride := c.geom.PaddedSize

	for dc := 0; dc < NumChannelsLow; dc++ {
		for dt := 0; dt < NumTimesLow; dt++ {
			var sum uint32
			for ch := 4 * dc; ch < 4*dc+4; ch++ {
				base := ch*stride + dt*ratio
				for _, v := range beam[base : base+ratio] {
					sum += uint32(v)
				}
			}
			c.grid[dc*NumTimesLow+dt] = sum
		}
	}
}

// pack reduces the scratch grid to one bit per sample. Each channel is
// thresholded at its own truncated mean, and the mean and standard
// deviation are preserved as offset and scale so the original intensity
// scale can be reconstructed downstream.
//
// Output channels run from high to low frequency: the values of
// downsampled channel dc land at index 383-dc, and within each packed
// byte the least significant bit holds the lowest of its 8 channels.
func (c *Compressor) pack() *PackedRow {
	row := &PackedRow{
		Data:   make([]byte, NumChannelsLow*NumTimesLow/8),
		Offset: make([]float32, NumChannelsLow),
		Scale:  make([]float32, NumChannelsLow),
	}

	for dc := 0; dc < NumChannelsLow; dc++ {
		cells := c.grid[dc*NumTimesLow : (dc+1)*NumTimesLow]

		// A cell is at most 200 * 255, so the sum of 500 cells fits a
		// uint32 and the sum of squares fits a uint64.
		var sum uint32
		var sos uint64
		for _, v := range cells {
			sum += v
			sos += uint64(v) * uint64(v)
		}

		avg := float32(float64(sum) / NumTimesLow)
		std := float32(math.Sqrt(float64(float32(float64(sos)/NumTimesLow - float64(avg*avg)))))

		r := NumChannelsLow - 1 - dc
		row.Offset[r] = avg - std
		row.Scale[r] = 2 * std

		if math.IsNaN(float64(std)) || math.IsInf(float64(std), 0) {
			row.InvalidChannels++
		}

		// Threshold in place: 1 for samples strictly above the truncated
		// mean, 0 otherwise.
		cutoff := uint32(avg)
		for dt, v := range cells {
			if v > cutoff {
				cells[dt] = 1
			} else {
				cells[dt] = 0
			}
		}
	}

	for dt := 0; dt < NumTimesLow; dt++ {
		for b := 0; b < NumChannelsLow/8; b++ {
			var packed byte
			for k := 0; k < 8; k++ {
				dc := NumChannelsLow - 1 - (8*b + k)
				if c.grid[dc*NumTimesLow+dt] != 0 {
					packed |= 1 << k
				}
			}
			row.Data[dt*(NumChannelsLow/8)+b] = packed
		}
	}

	if row.InvalidChannels > 0 {
		log.Printf("WARNING: scaling produced invalid values on %d of %d channels", row.InvalidChannels, NumChannelsLow)
	}

	return row
}
