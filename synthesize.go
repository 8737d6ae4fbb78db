package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SubbandUnset marks a subband no tied-array beam was assigned to.
const SubbandUnset = -1

// SynthesizedBeamTable maps each synthesized beam to the tied-array beam
// each of its 32 subbands is taken from.
type SynthesizedBeamTable struct {
	Beams [][]int
}

// LoadSynthesizedBeamTable reads a beam table from a YAML file. The file
// holds a beams list, one entry of 32 tied-array beam indices per
// synthesized beam. An index of -1 leaves that subband unassigned.
func LoadSynthesizedBeamTable(path string) (*SynthesizedBeamTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading beam table: %w", err)
	}

	var file struct {
		Beams [][]int `yaml:"beams"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing beam table %s: %w", path, err)
	}

	if len(file.Beams) == 0 {
		return nil, configErrorf("beam table %s defines no beams", path)
	}
	for sb, row := range file.Beams {
		if len(row) != NumSubbands {
			return nil, configErrorf("synthesized beam %d has %d subband entries, expected %d", sb, len(row), NumSubbands)
		}
	}

	return &SynthesizedBeamTable{Beams: file.Beams}, nil
}

// ParseBeamSelection parses a selection like "0,1,4-8" against a table of
// count beams. An empty selection selects every beam.
func ParseBeamSelection(selection string, count int) ([]bool, error) {
	selected := make([]bool, count)
	if strings.TrimSpace(selection) == "" {
		for i := range selected {
			selected[i] = true
		}
		return selected, nil
	}

	for _, part := range strings.Split(selection, ",") {
		part = strings.TrimSpace(part)
		lohi := strings.SplitN(part, "-", 2)

		lo, err := strconv.Atoi(lohi[0])
		if err != nil {
			return nil, configErrorf("beam selection %q: %q is not a beam index", selection, part)
		}
		hi := lo
		if len(lohi) == 2 {
			hi, err = strconv.Atoi(lohi[1])
			if err != nil {
				return nil, configErrorf("beam selection %q: %q is not a beam range", selection, part)
			}
		}

		if lo > hi {
			return nil, configErrorf("beam selection %q: range %q is descending", selection, part)
		}
		if lo < 0 || hi >= count {
			return nil, configErrorf("beam selection %q: %q is outside the table of %d beams", selection, part, count)
		}
		for i := lo; i <= hi; i++ {
			selected[i] = true
		}
	}
	return selected, nil
}

// Synthesizer assembles synthesized beams out of a transpose block by
// picking, per subband, the matching frequency slab from one tied-array
// beam. Because the block keeps time innermost, each subband is a single
// contiguous copy.
type Synthesizer struct {
	geom     *Geometry
	table    *SynthesizedBeamTable
	selected []bool
	out      []byte
}

// NewSynthesizer validates the table against the geometry and the
// selection. Every selected beam must have all 32 subbands assigned to an
// existing tied-array beam; anything else aborts the run before any
// output is written.
func NewSynthesizer(geom *Geometry, table *SynthesizedBeamTable, selection string) (*Synthesizer, error) {
	if geom.Packed {
		return nil, configErrorf("cannot write synthesized beams for compressed %s data", geom.ModeName())
	}

	selected, err := ParseBeamSelection(selection, len(table.Beams))
	if err != nil {
		return nil, err
	}

	for sb, row := range table.Beams {
		if !selected[sb] {
			continue
		}
		for band, tab := range row {
			if tab == SubbandUnset {
				return nil, configErrorf("subband %d of synthesized beam %d has no tied-array beam assigned", band, sb)
			}
			if tab < 0 || tab >= geom.NumBeams {
				return nil, configErrorf("illegal tied-array beam %d for subband %d of synthesized beam %d", tab, band, sb)
			}
		}
	}

	return &Synthesizer{
		geom:     geom,
		table:    table,
		selected: selected,
		out:      make([]byte, NumChannels*geom.NumPols*geom.RawSamples),
	}, nil
}

// SelectedBeams returns the ids of the synthesized beams to write, in
// ascending order.
func (s *Synthesizer) SelectedBeams() []int {
	var ids []int
	for sb, on := range s.selected {
		if on {
			ids = append(ids, sb)
		}
	}
	return ids
}

// Synthesize assembles synthesized beam sb from the transpose block. The
// returned slice is owned by the Synthesizer and overwritten by the next
// call.
func (s *Synthesizer) Synthesize(block []byte, sb int) ([]byte, error) {
	if sb < 0 || sb >= len(s.table.Beams) {
		return nil, fmt.Errorf("synthesized beam %d is not in the table", sb)
	}

	slabLen := ChannelsPerSubband * s.geom.NumPols * s.geom.RawSamples
	beamLen := NumChannels * s.geom.NumPols * s.geom.RawSamples

	for band, tab := range s.table.Beams[sb] {
		if tab < 0 || tab >= s.geom.NumBeams {
			return nil, configErrorf("illegal tied-array beam %d for subband %d of synthesized beam %d", tab, band, sb)
		}
		// Subbands count up in frequency, the channel axis counts down.
		offset := (NumSubbands - 1 - band) * slabLen
		copy(s.out[offset:offset+slabLen], block[tab*beamLen+offset:tab*beamLen+offset+slabLen])
	}
	return s.out, nil
}
