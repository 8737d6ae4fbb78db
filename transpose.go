package main

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Packets are the unit of the IQUV wire format: 500 consecutive time
// samples of 4 adjacent channels, 4 polarizations each.
const (
	packetSamples = 500
	packetBytes   = packetSamples * 4 * NumPolsIQUV
)

// Deinterleaver scatters packetized IQUV pages into a beam major block
// ordered (beam, channel, polarization, time). Channels are reversed so
// frequency runs high to low, and the wire polarization order VUQI is
// reversed to IQUV. Keeping the time axis innermost makes every subband a
// single contiguous slab per beam, which is what the beam synthesizer
// consumes.
//
// A page lays its packets out as [beam][channel group][sequence], where a
// channel group covers 4 adjacent channels and consecutive sequences of a
// group continue the time axis. Scattering a full page touches every byte
// of the block, so pages cannot be processed concurrently with reads of
// the previous block. This stage moves a lot of memory around and is
// better suited to buffered operation than to keeping up with a live
// sensor feed.
type Deinterleaver struct {
	geom    *Geometry
	block   []byte
	workers int
}

// NewDeinterleaver allocates the transpose block for geom. With workers
// above 1, pages are scattered one beam per goroutine.
func NewDeinterleaver(geom *Geometry, workers int) *Deinterleaver {
	if workers < 1 {
		workers = 1
	}
	return &Deinterleaver{
		geom:    geom,
		block:   make([]byte, geom.TransposedSize()),
		workers: workers,
	}
}

// Deinterleave scatters one page into the block, overwriting the previous
// page's content.
func (d *Deinterleaver) Deinterleave(page []byte) error {
	if len(page) != d.geom.PageSize() {
		return fmt.Errorf("page is %d bytes, expected %d", len(page), d.geom.PageSize())
	}

	if d.workers <= 1 || d.geom.NumBeams == 1 {
		for beam := 0; beam < d.geom.NumBeams; beam++ {
			d.scatterBeam(page, beam)
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(d.workers)
	for beam := 0; beam < d.geom.NumBeams; beam++ {
		g.Go(func() error {
			d.scatterBeam(page, beam)
			return nil
		})
	}
	return g.Wait()
}

// scatterBeam walks one beam's packets in wire order and computes the
// destination of each byte. Beams neither read nor write each other's
// part of the page or the block.
func (d *Deinterleaver) scatterBeam(page []byte, beam int) {
	samples := d.geom.RawSamples
	beamBase := beam * NumChannels * NumPolsIQUV * samples

	src := beamBase
	for group := 0; group < NumChannels/4; group++ {
		for seq := 0; seq < d.geom.SequenceLength; seq++ {
			timeBase := seq * packetSamples
			for tn := 0; tn < packetSamples; tn++ {
				for cn := 0; cn < 4; cn++ {
					channel := 4*group + cn
					chBase := beamBase + (NumChannels-1-channel)*NumPolsIQUV*samples
					for pn := 0; pn < NumPolsIQUV; pn++ {
						d.block[chBase+(NumPolsIQUV-1-pn)*samples+timeBase+tn] = page[src]
						src++
					}
				}
			}
		}
	}
}

// Block returns the full transpose block, beam major.
func (d *Deinterleaver) Block() []byte {
	return d.block
}

// Beam returns the slice of the block holding one beam: NumChannels
// channels of NumPols * RawSamples bytes, frequency high to low.
func (d *Deinterleaver) Beam(beam int) []byte {
	size := NumChannels * d.geom.NumPols * d.geom.RawSamples
	return d.block[beam*size : (beam+1)*size]
}
