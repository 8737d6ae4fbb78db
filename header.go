package main

import (
	"log"
	"strconv"
	"strings"
)

// RunHeader carries the observation metadata read from the header block of
// a run. The block holds whitespace separated KEY VALUE lines in the
// PSRDADA convention, NUL padded up to the header size.
type RunHeader struct {
	MinFrequency    float64 // MHz, center of the lowest raw channel
	Bandwidth       float64 // MHz, width of the full band
	PaddedSize      int     // samples per channel per page, including padding
	ScienceCase     int
	ScienceMode     int
	RA              string // right ascension, hh:mm:ss.s
	Dec             string // declination, dd:mm:ss.s
	ScanLength      float64 // seconds
	CenterFrequency float64 // MHz
	Source          string
	UTCStart        string
	MJDStart        float64
	LSTStart        float64
	AzStart         float64 // degrees
	ZaStart         float64 // degrees
	Parset          string
}

// parseHeaderKeywords splits a raw header block into KEY to first value
// token. Blank lines, comment lines and the NUL padding are skipped, and
// keys without a value are treated as absent.
func parseHeaderKeywords(raw []byte) map[string]string {
	keywords := make(map[string]string)
	text := strings.TrimRight(string(raw), "\x00")
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		keywords[fields[0]] = fields[1]
	}
	return keywords
}

// ParseRunHeader extracts the observation parameters from a raw header
// block. Every missing or malformed key is logged before the error is
// returned, so a bad run reports all of its problems at once.
func ParseRunHeader(raw []byte) (*RunHeader, error) {
	keywords := parseHeaderKeywords(raw)
	missing := 0

	stringKey := func(key string) string {
		value, ok := keywords[key]
		if !ok {
			log.Printf("ERROR: %s not set in ringbuffer header", key)
			missing++
		}
		return value
	}
	floatKey := func(key string) float64 {
		value, ok := keywords[key]
		if !ok {
			log.Printf("ERROR: %s not set in ringbuffer header", key)
			missing++
			return 0
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.Printf("ERROR: %s value %q in ringbuffer header is not a number", key, value)
			missing++
			return 0
		}
		return f
	}
	intKey := func(key string) int {
		value, ok := keywords[key]
		if !ok {
			log.Printf("ERROR: %s not set in ringbuffer header", key)
			missing++
			return 0
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("ERROR: %s value %q in ringbuffer header is not an integer", key, value)
			missing++
			return 0
		}
		return n
	}

	h := &RunHeader{
		MinFrequency:    floatKey("MIN_FREQUENCY"),
		Bandwidth:       floatKey("BW"),
		PaddedSize:      intKey("PADDED_SIZE"),
		ScienceCase:     intKey("SCIENCE_CASE"),
		ScienceMode:     intKey("SCIENCE_MODE"),
		RA:              stringKey("RA_HMS"),
		Dec:             stringKey("DEC_HMS"),
		ScanLength:      floatKey("SCANLEN"),
		CenterFrequency: floatKey("FREQ"),
		Source:          stringKey("SOURCE"),
		UTCStart:        stringKey("UTC_START"),
		MJDStart:        floatKey("MJD_START"),
		LSTStart:        floatKey("LST_START"),
		AzStart:         floatKey("AZ_START"),
		ZaStart:         floatKey("ZA_START"),
		Parset:          stringKey("PARSET"),
	}

	if missing > 0 {
		return nil, configErrorf("ringbuffer header is missing %d required keys", missing)
	}
	return h, nil
}

// AdjustForDownsampling moves the frequency reference up by half a raw
// channel width. After averaging four raw channels, the center of output
// channel zero no longer coincides with the center of raw channel zero.
func (h *RunHeader) AdjustForDownsampling() {
	h.MinFrequency += 0.5 * h.Bandwidth / float64(NumChannels)
}

// ChannelBandwidth returns the width in MHz of one output channel.
func (h *RunHeader) ChannelBandwidth(channels int) float64 {
	return h.Bandwidth / float64(channels)
}
