package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
	"pgregory.net/rapid"
)

// packedBit returns the bit for output channel r (high to low frequency
// order) at time dt in a packed row.
func packedBit(data []byte, r, dt int) byte {
	return data[dt*(NumChannelsLow/8)+r/8] >> (r % 8) & 1
}

func TestCompressConstantBeam(t *testing.T) {
	for _, tc := range []struct {
		scienceCase int
		value       byte
		cell        uint32
	}{
		{3, 3, 4 * 25 * 3},
		{4, 2, 4 * 50 * 2},
	} {
		g, err := ResolveGeometry(tc.scienceCase, ModeITAB, 25000)
		require.NoError(t, err)
		g.PaddedSize = g.RawSamples

		beam := make([]byte, NumChannels*g.PaddedSize)
		for i := range beam {
			beam[i] = tc.value
		}

		row := NewCompressor(g).Compress(beam)
		require.Len(t, row.Data, NumChannelsLow*NumTimesLow/8)
		assert.Equal(t, 0, row.InvalidChannels)

		// Constant input has zero deviation, so the offset carries the
		// full level and nothing exceeds the cutoff.
		for r := 0; r < NumChannelsLow; r++ {
			assert.Equal(t, float32(tc.cell), row.Offset[r], "offset channel %d", r)
			assert.Equal(t, float32(0), row.Scale[r], "scale channel %d", r)
		}
		for _, b := range row.Data {
			require.Zero(t, b)
		}
	}
}

func TestCompressIgnoresPadding(t *testing.T) {
	g, err := ResolveGeometry(3, ModeIIAB, 12600)
	require.NoError(t, err)

	// Fill the padding region with garbage. It must not reach the sums.
	beam := make([]byte, NumChannels*g.PaddedSize)
	for i := range beam {
		beam[i] = 0xFF
	}
	for ch := 0; ch < NumChannels; ch++ {
		for t := 0; t < g.RawSamples; t++ {
			beam[ch*g.PaddedSize+t] = 3
		}
	}

	row := NewCompressor(g).Compress(beam)
	for r := 0; r < NumChannelsLow; r++ {
		require.Equal(t, float32(300), row.Offset[r])
		require.Equal(t, float32(0), row.Scale[r])
	}
}

func TestCompressCutoffIsTruncatedMean(t *testing.T) {
	g, err := ResolveGeometry(3, ModeITAB, 12500)
	require.NoError(t, err)

	// Downsampled channel 0 alternates between 10 and 11, giving a mean
	// of 10.5 and a deviation of 0.5. The cutoff truncates to 10, so only
	// the 11s survive as ones.
	beam := make([]byte, NumChannels*g.PaddedSize)
	for dt := 0; dt < NumTimesLow; dt++ {
		if dt%2 == 0 {
			beam[dt*25] = 10
		} else {
			beam[dt*25] = 11
		}
	}

	row := NewCompressor(g).Compress(beam)

	// Downsampled channel 0 is the lowest frequency, so it lands at
	// output channel 383.
	assert.Equal(t, float32(10), row.Offset[383])
	assert.Equal(t, float32(1), row.Scale[383])

	ones := 0
	for dt := 0; dt < NumTimesLow; dt++ {
		bit := packedBit(row.Data, 383, dt)
		if dt%2 == 1 {
			require.Equal(t, byte(1), bit, "time %d", dt)
			ones++
		} else {
			require.Zero(t, bit, "time %d", dt)
		}
	}
	assert.Equal(t, 250, ones)

	// All other channels are flat zero.
	for r := 0; r < NumChannelsLow-1; r++ {
		require.Equal(t, float32(0), row.Offset[r])
		require.Equal(t, float32(0), row.Scale[r])
	}
}

func TestCompressChannelReversal(t *testing.T) {
	g, err := ResolveGeometry(3, ModeITAB, 12500)
	require.NoError(t, err)

	// The lowest and highest downsampled channels must land on opposite
	// ends of the output axis.
	beam := make([]byte, NumChannels*g.PaddedSize)
	for ch := 0; ch < 4; ch++ {
		for t := 0; t < g.RawSamples; t++ {
			beam[ch*g.PaddedSize+t] = 1
		}
	}
	for ch := NumChannels - 4; ch < NumChannels; ch++ {
		for t := 0; t < g.RawSamples; t++ {
			beam[ch*g.PaddedSize+t] = 2
		}
	}

	row := NewCompressor(g).Compress(beam)
	assert.Equal(t, float32(100), row.Offset[NumChannelsLow-1])
	assert.Equal(t, float32(200), row.Offset[0])
	for r := 1; r < NumChannelsLow-1; r++ {
		require.Equal(t, float32(0), row.Offset[r])
	}
}

func TestPackMatchesStatisticsOracle(t *testing.T) {
	g, err := ResolveGeometry(3, ModeITAB, 12500)
	require.NoError(t, err)

	rapid.Check(t, func(t *rapid.T) {
		dc := rapid.IntRange(0, NumChannelsLow-1).Draw(t, "dc")
		cells := rapid.SliceOfN(rapid.Uint32Range(0, 1000), NumTimesLow, NumTimesLow).Draw(t, "cells")

		c := NewCompressor(g)
		copy(c.grid[dc*NumTimesLow:], cells)
		saved := append([]uint32(nil), c.grid...)

		row := c.pack()

		samples := make([]float64, NumTimesLow)
		var sum uint32
		for i, v := range cells {
			samples[i] = float64(v)
			sum += v
		}
		mean := stat.Mean(samples, nil)
		sigma := stat.PopStdDev(samples, nil)

		r := NumChannelsLow - 1 - dc
		assert.InDelta(t, mean-sigma, float64(row.Offset[r]), 1.0)
		assert.InDelta(t, 2*sigma, float64(row.Scale[r]), 1.0)

		// Every bit in the row follows the threshold rule for its channel.
		// The untouched channels are flat zero with a zero cutoff, so all
		// their bits stay clear.
		cutoff := uint32(float32(float64(sum) / NumTimesLow))
		for dt := 0; dt < NumTimesLow; dt++ {
			for out := 0; out < NumChannelsLow; out++ {
				want := byte(0)
				if out == r && saved[dc*NumTimesLow+dt] > cutoff {
					want = 1
				}
				if got := packedBit(row.Data, out, dt); got != want {
					t.Fatalf("channel %d time %d: bit %d, want %d", out, dt, got, want)
				}
			}
		}
	})
}

func TestPackReportsInvalidStatistics(t *testing.T) {
	g, err := ResolveGeometry(3, ModeITAB, 12500)
	require.NoError(t, err)

	// 499 samples at 2^23 and one slightly above push the rounded mean
	// past the true one. In single precision the variance then computes
	// negative and its square root is NaN.
	c := NewCompressor(g)
	for dt := 0; dt < NumTimesLow; dt++ {
		c.grid[5*NumTimesLow+dt] = 1 << 23
	}
	c.grid[5*NumTimesLow] = 1<<23 + 300

	row := c.pack()
	assert.Equal(t, 1, row.InvalidChannels)
	assert.True(t, math.IsNaN(float64(row.Offset[NumChannelsLow-1-5])))
	assert.True(t, math.IsNaN(float64(row.Scale[NumChannelsLow-1-5])))
}
