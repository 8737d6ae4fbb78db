package main

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRunHeader() *RunHeader {
	return &RunHeader{
		MinFrequency:    1219.70092773,
		Bandwidth:       300.0,
		PaddedSize:      12500,
		ScienceCase:     3,
		ScienceMode:     0,
		RA:              "05:34:31.9",
		Dec:             "22:00:52.0",
		ScanLength:      180.0,
		CenterFrequency: 1369.6,
		Source:          "B0531+21",
		UTCStart:        "2019-01-05-12:34:56",
		MJDStart:        58488.5,
		LSTStart:        4.71239,
		AzStart:         127.5,
		ZaStart:         33.1,
		Parset:          "/home/arts/parsets/B0531+21.parset",
	}
}

// readFITSHeader walks 80 byte cards from the given offset until END,
// returning keyword to value text and the offset of the following
// record boundary.
func readFITSHeader(t *testing.T, data []byte, at int) (map[string]string, int) {
	t.Helper()
	cards := make(map[string]string)
	for {
		require.LessOrEqual(t, at+fitsCardSize, len(data), "header runs past end of file")
		card := string(data[at : at+fitsCardSize])
		at += fitsCardSize
		keyword := strings.TrimSpace(card[:8])
		if keyword == "END" {
			break
		}
		if keyword == "" || keyword == "COMMENT" || keyword == "HISTORY" {
			continue
		}
		require.Equal(t, byte('='), card[8], "card %q has no value indicator", keyword)
		value := strings.TrimSpace(card[10:])
		if strings.HasPrefix(value, "'") {
			end := strings.Index(value[1:], "'")
			require.GreaterOrEqual(t, end, 0, "card %q has an unterminated string", keyword)
			value = strings.TrimRight(value[1:1+end], " ")
		} else if slash := strings.Index(value, "/"); slash >= 0 {
			value = strings.TrimSpace(value[:slash])
		}
		cards[keyword] = value
	}
	if rem := at % fitsRecordSize; rem != 0 {
		at += fitsRecordSize - rem
	}
	return cards, at
}

func f64At(data []byte, at int) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(data[at:]))
}

func f32At(data []byte, at int) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(data[at:]))
}

func TestFITSWriterPackedFile(t *testing.T) {
	geom, err := ResolveGeometry(ScienceCase3, ModeITAB, 12500)
	require.NoError(t, err)
	hdr := testRunHeader()
	hdr.AdjustForDownsampling()
	template, err := LoadTemplate(defaultTemplateDir, DefaultTemplate(geom))
	require.NoError(t, err)

	dir := t.TempDir()
	w, err := NewFITSWriter(geom, hdr, template, dir, []int{0, 1}, false, false)
	require.NoError(t, err)

	nchan := geom.RowChannels()
	for id := int64(1); id <= 3; id++ {
		for beam := 0; beam < 2; beam++ {
			row := &Row{
				ID:     id,
				Data:   bytes.Repeat([]byte{byte(10*beam + int(id))}, geom.RowSize()),
				Offset: make([]float32, nchan),
				Scale:  make([]float32, nchan),
			}
			for c := range row.Offset {
				row.Offset[c] = float32(id) * 100
				row.Scale[c] = float32(beam) + 2
			}
			require.NoError(t, w.WriteRow(beam, row))
		}
	}
	require.NoError(t, w.Finalize())

	data, err := os.ReadFile(filepath.Join(dir, "TAB01.fits"))
	require.NoError(t, err)
	require.Zero(t, len(data)%fitsRecordSize, "file is not record aligned")

	primary, at := readFITSHeader(t, data, 0)
	assert.Equal(t, "T", primary["SIMPLE"])
	assert.Equal(t, "B0531+21", primary["SRC_NAME"])
	assert.Equal(t, "05:34:31.9", primary["RA"])
	assert.Equal(t, "1369.6", primary["OBSFREQ"])
	assert.Equal(t, "384", primary["OBSNCHAN"])
	assert.Equal(t, "2019-01-05T12:34:56", primary["DATE-OBS"])
	assert.Equal(t, "58488", primary["STT_IMJD"])
	assert.Equal(t, "43200", primary["STT_SMJD"])

	subint, dataStart := readFITSHeader(t, data, at)
	assert.Equal(t, "BINTABLE", subint["XTENSION"])
	assert.Equal(t, "SUBINT", subint["EXTNAME"])
	assert.Equal(t, "30160", subint["NAXIS1"])
	assert.Equal(t, "3", subint["NAXIS2"], "row count was not patched in")
	assert.Equal(t, "384", subint["NCHAN"])
	assert.Equal(t, "1", subint["NBITS"])

	rowBytes := 16 + 4*nchan*4 + geom.RowSize()
	require.Equal(t, 30160, rowBytes)
	require.GreaterOrEqual(t, len(data), dataStart+3*rowBytes)

	// Second row of beam 1.
	row := dataStart + rowBytes
	assert.Equal(t, 1.024, f64At(data, row))
	assert.InDelta(t, 1.536, f64At(data, row+8), 1e-12)

	freqAt := row + 16
	chanBW := hdr.Bandwidth / float64(nchan)
	assert.InDelta(t, hdr.MinFrequency+383*chanBW, float64(f32At(data, freqAt)), 1e-3)
	assert.InDelta(t, hdr.MinFrequency, float64(f32At(data, freqAt+4*(nchan-1))), 1e-3)

	wtsAt := freqAt + 4*nchan
	assert.Equal(t, float32(1), f32At(data, wtsAt))
	offsAt := wtsAt + 4*nchan
	assert.Equal(t, float32(200), f32At(data, offsAt))
	sclAt := offsAt + 4*nchan
	assert.Equal(t, float32(3), f32At(data, sclAt))
	assert.Equal(t, byte(12), data[sclAt+4*nchan], "first data byte of beam 1 row 2")
}

func TestFITSWriterRowValidation(t *testing.T) {
	geom, err := ResolveGeometry(ScienceCase3, ModeITAB, 12500)
	require.NoError(t, err)
	template, err := LoadTemplate(defaultTemplateDir, DefaultTemplate(geom))
	require.NoError(t, err)

	w, err := NewFITSWriter(geom, testRunHeader(), template, t.TempDir(), []int{0}, false, false)
	require.NoError(t, err)
	defer w.Finalize()

	good := func(id int64) *Row {
		return &Row{ID: id, Data: make([]byte, geom.RowSize())}
	}

	err = w.WriteRow(5, good(1))
	require.ErrorContains(t, err, "no output file for beam 5")

	err = w.WriteRow(0, &Row{ID: 1, Data: make([]byte, 10)})
	require.ErrorContains(t, err, "expected 24000")

	err = w.WriteRow(0, good(2))
	require.ErrorContains(t, err, "expected 1")

	require.NoError(t, w.WriteRow(0, good(1)))
	err = w.WriteRow(0, good(3))
	require.ErrorContains(t, err, "expected 2")

	require.NoError(t, w.Finalize())
	err = w.WriteRow(0, good(2))
	require.ErrorContains(t, err, "already finalized")
}

func TestFITSWriterCompressed(t *testing.T) {
	geom, err := ResolveGeometry(ScienceCase3, ModeITAB, 12500)
	require.NoError(t, err)
	template, err := LoadTemplate(defaultTemplateDir, DefaultTemplate(geom))
	require.NoError(t, err)

	dir := t.TempDir()
	w, err := NewFITSWriter(geom, testRunHeader(), template, dir, []int{4}, false, true)
	require.NoError(t, err)

	for id := int64(1); id <= 2; id++ {
		require.NoError(t, w.WriteRow(4, &Row{ID: id, Data: make([]byte, geom.RowSize())}))
	}
	require.NoError(t, w.Finalize())

	f, err := os.Open(filepath.Join(dir, "TAB04.fits.gz"))
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	require.Zero(t, len(data)%fitsRecordSize)
	_, at := readFITSHeader(t, data, 0)
	subint, _ := readFITSHeader(t, data, at)
	assert.Equal(t, "2", subint["NAXIS2"], "row count was not patched into the compressed image")
}

func TestFITSWriterSynthesizedNaming(t *testing.T) {
	geom, err := ResolveGeometry(ScienceCase3, ModeIQUVTAB, 0)
	require.NoError(t, err)
	template, err := LoadTemplate(defaultTemplateDir, DefaultTemplate(geom))
	require.NoError(t, err)

	dir := t.TempDir()
	w, err := NewFITSWriter(geom, testRunHeader(), template, dir, []int{0, 7}, true, false)
	require.NoError(t, err)
	require.NoError(t, w.Finalize())

	for _, name := range []string{"SYN00.fits", "SYN07.fits"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestFITSWriterNeutralScaling(t *testing.T) {
	if testing.Short() {
		t.Skip("writes a full resolution row")
	}
	geom, err := ResolveGeometry(ScienceCase3, ModeIQUVIAB, 0)
	require.NoError(t, err)
	template, err := LoadTemplate(defaultTemplateDir, DefaultTemplate(geom))
	require.NoError(t, err)

	dir := t.TempDir()
	w, err := NewFITSWriter(geom, testRunHeader(), template, dir, []int{0}, false, false)
	require.NoError(t, err)
	require.NoError(t, w.WriteRow(0, &Row{ID: 1, Data: make([]byte, geom.RowSize())}))
	require.NoError(t, w.Finalize())

	data, err := os.ReadFile(filepath.Join(dir, "TAB00.fits"))
	require.NoError(t, err)
	_, at := readFITSHeader(t, data, 0)
	_, dataStart := readFITSHeader(t, data, at)

	nchan := geom.RowChannels()
	offsAt := dataStart + 16 + 2*4*nchan
	sclAt := offsAt + 4*nchan*geom.NumPols
	for _, i := range []int{0, nchan, 4*nchan - 1} {
		assert.Equal(t, float32(0), f32At(data, offsAt+4*i), "offset %d", i)
		assert.Equal(t, float32(1), f32At(data, sclAt+4*i), "scale %d", i)
	}
}

func TestFormatCard(t *testing.T) {
	card, err := formatCard(Card{Keyword: "SIMPLE", Value: true, Comment: "conforms to FITS"})
	require.NoError(t, err)
	require.Len(t, card, fitsCardSize)
	assert.Equal(t, "SIMPLE  = ", string(card[:10]))
	assert.Equal(t, byte('T'), card[29], "boolean is right justified to column 30")
	assert.Contains(t, string(card), " / conforms to FITS")

	card, err = formatCard(Card{Keyword: "NAXIS2", Value: int64(42)})
	require.NoError(t, err)
	assert.Equal(t, "                  42", string(card[10:30]))

	card, err = formatCard(Card{Keyword: "SRC_NAME", Value: "B0531+21"})
	require.NoError(t, err)
	assert.Equal(t, "'B0531+21'", string(card[10:20]))

	card, err = formatCard(Card{Keyword: "OBSERVER", Value: "it's"})
	require.NoError(t, err)
	assert.Contains(t, string(card), "'it''s")

	long := strings.Repeat("x", 100)
	card, err = formatCard(Card{Keyword: "PARSET", Value: long})
	require.NoError(t, err)
	assert.Equal(t, byte('\''), card[79], "overlong string still closes its quote")

	_, err = formatCard(Card{Keyword: "BAD", Value: 3 + 4i})
	require.Error(t, err)
}

func TestIsoStartTime(t *testing.T) {
	assert.Equal(t, "2019-01-05T12:34:56", isoStartTime("2019-01-05-12:34:56"))
	assert.Equal(t, "2019-01-05", isoStartTime("2019-01-05"))
	assert.Equal(t, "", isoStartTime(""))
}
