package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const (
	fitsRecordSize = 2880
	fitsCardSize   = 80
)

// Row is one beam's output for a single page.
type Row struct {
	ID     int64     // 1-based page number, strictly increasing per beam
	Data   []byte    // exactly Geometry.RowSize bytes
	Offset []float32 // per output channel; nil writes neutral values
	Scale  []float32 // per output channel; nil writes neutral values
}

// RowWriter receives one row per output beam per page, in page order, and
// is finalized exactly once when the run ends.
type RowWriter interface {
	WriteRow(beam int, row *Row) error
	Finalize() error
}

// fitsWriter writes one PSRFITS style file per output beam: a primary HDU
// rendered from a template merged with the run header, then a SUBINT
// binary table that grows one row per page. The row count is not known
// until the end of the run, so NAXIS2 is written as 0 and patched during
// Finalize. With compression enabled each file is built in memory and
// gzipped to disk on Finalize, since a gzip stream cannot be patched.
type fitsWriter struct {
	geom     *Geometry
	hdr      *RunHeader
	template *Template
	dir      string
	compress bool

	rowBytes  int
	freqs     []float32
	files     map[int]*fitsFile
	order     []int
	finalized bool
}

type fitsFile struct {
	path     string
	f        *os.File
	buf      *bytes.Buffer
	w        io.Writer
	naxis2At int64
	naxis2   Card
	written  int64
	rows     int64
	rowBuf   []byte
}

// NewFITSWriter opens one output file per beam id. Synthesized beam files
// are named SYN<id>.fits, tied-array beam files TAB<id>.fits.
func NewFITSWriter(geom *Geometry, hdr *RunHeader, template *Template, dir string, beamIDs []int, synthesized, compress bool) (*fitsWriter, error) {
	if err := template.Validate(geom); err != nil {
		return nil, err
	}
	if dir == "" {
		dir = "."
	}

	nchan := geom.RowChannels()
	chanBW := hdr.ChannelBandwidth(nchan)
	freqs := make([]float32, nchan)
	for i := range freqs {
		// Frequency axis runs high to low.
		freqs[i] = float32(hdr.MinFrequency + float64(nchan-1-i)*chanBW)
	}

	w := &fitsWriter{
		geom:     geom,
		hdr:      hdr,
		template: template,
		dir:      dir,
		compress: compress,
		rowBytes: 16 + 2*nchan*4 + 2*nchan*geom.NumPols*4 + geom.RowSize(),
		freqs:    freqs,
		files:    make(map[int]*fitsFile),
	}

	prefix := "TAB"
	if synthesized {
		prefix = "SYN"
	}
	for _, id := range beamIDs {
		ff, err := w.openFile(fmt.Sprintf("%s%02d.fits", prefix, id))
		if err != nil {
			w.abort()
			return nil, err
		}
		w.files[id] = ff
		w.order = append(w.order, id)
	}
	return w, nil
}

func (w *fitsWriter) openFile(name string) (*fitsFile, error) {
	if w.compress {
		name += ".gz"
	}
	path := filepath.Join(w.dir, name)
	log.Printf("Writing FITS file %s", path)

	ff := &fitsFile{path: path, rowBuf: make([]byte, w.rowBytes)}
	if w.compress {
		ff.buf = &bytes.Buffer{}
		ff.w = ff.buf
	} else {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", path, err)
		}
		ff.f = f
		ff.w = f
	}
	fail := func(err error) (*fitsFile, error) {
		if ff.f != nil {
			ff.f.Close()
			os.Remove(ff.path)
		}
		return nil, err
	}

	primary, err := renderRecords(w.primaryCards())
	if err != nil {
		return fail(fmt.Errorf("%s: %w", path, err))
	}
	if _, err := ff.w.Write(primary); err != nil {
		return fail(fmt.Errorf("writing %s: %w", path, err))
	}
	ff.written = int64(len(primary))

	cards, err := w.subintCards()
	if err != nil {
		return fail(fmt.Errorf("%s: %w", path, err))
	}
	for i, c := range cards {
		if c.Keyword == "NAXIS2" {
			ff.naxis2At = ff.written + int64(i)*fitsCardSize
			ff.naxis2 = c
		}
	}
	subint, err := renderRecords(cards)
	if err != nil {
		return fail(fmt.Errorf("%s: %w", path, err))
	}
	if _, err := ff.w.Write(subint); err != nil {
		return fail(fmt.Errorf("writing %s: %w", path, err))
	}
	ff.written += int64(len(subint))

	return ff, nil
}

// primaryCards merges the template's primary section with the cards
// derived from the run header. Header values replace template
// placeholders in place, keeping the template's card order.
func (w *fitsWriter) primaryCards() []Card {
	imjd := math.Floor(w.hdr.MJDStart)
	daySeconds := (w.hdr.MJDStart - imjd) * 86400.0
	smjd := math.Floor(daySeconds)

	overrides := []Card{
		{Keyword: "SRC_NAME", Value: w.hdr.Source, Comment: "source name"},
		{Keyword: "RA", Value: w.hdr.RA, Comment: "right ascension hh:mm:ss.s"},
		{Keyword: "DEC", Value: w.hdr.Dec, Comment: "declination dd:mm:ss.s"},
		{Keyword: "OBSFREQ", Value: w.hdr.CenterFrequency, Comment: "centre frequency MHz"},
		{Keyword: "OBSBW", Value: w.hdr.Bandwidth, Comment: "bandwidth MHz"},
		{Keyword: "OBSNCHAN", Value: int64(w.geom.RowChannels()), Comment: "number of output channels"},
		{Keyword: "SCANLEN", Value: w.hdr.ScanLength, Comment: "requested scan length s"},
		{Keyword: "DATE-OBS", Value: isoStartTime(w.hdr.UTCStart), Comment: "observation start UTC"},
		{Keyword: "STT_IMJD", Value: int64(imjd), Comment: "start MJD"},
		{Keyword: "STT_SMJD", Value: int64(smjd), Comment: "start second of MJD"},
		{Keyword: "STT_OFFS", Value: daySeconds - smjd, Comment: "start fractional second"},
		{Keyword: "STT_LST", Value: w.hdr.LSTStart, Comment: "start LST"},
		{Keyword: "AZ_START", Value: w.hdr.AzStart, Comment: "start azimuth deg"},
		{Keyword: "ZA_START", Value: w.hdr.ZaStart, Comment: "start zenith angle deg"},
		{Keyword: "PARSET", Value: w.hdr.Parset, Comment: "observation parset"},
	}
	return mergeCards(w.template.Primary, overrides, true)
}

// subintCards merges the template's table section with the computed table
// dimensions. The row length and channel width depend on the run, so the
// template's values are replaced.
func (w *fitsWriter) subintCards() ([]Card, error) {
	overrides := []Card{
		{Keyword: "NAXIS1", Value: int64(w.rowBytes), Comment: "width of table row in bytes"},
		{Keyword: "NAXIS2", Value: int64(0), Comment: "number of rows"},
		{Keyword: "CHAN_BW", Value: -w.hdr.ChannelBandwidth(w.geom.RowChannels()), Comment: "channel bandwidth MHz, high to low"},
	}
	cards := mergeCards(w.template.Subint, overrides, false)
	for _, required := range []string{"NAXIS1", "NAXIS2"} {
		found := false
		for _, c := range cards {
			if c.Keyword == required {
				found = true
			}
		}
		if !found {
			return nil, configErrorf("template %s table extension has no %s card", w.template.Name, required)
		}
	}
	return cards, nil
}

// mergeCards replaces template card values by keyword. With appendExtra,
// overrides missing from the template are added at the end; table headers
// cannot accept appended structural cards, so they only replace.
func mergeCards(template, overrides []Card, appendExtra bool) []Card {
	replaced := make(map[string]bool, len(overrides))
	byKeyword := make(map[string]Card, len(overrides))
	for _, o := range overrides {
		byKeyword[o.Keyword] = o
	}

	out := make([]Card, 0, len(template)+len(overrides))
	for _, c := range template {
		if o, ok := byKeyword[c.Keyword]; ok {
			replaced[c.Keyword] = true
			c.Value = o.Value
			if o.Comment != "" {
				c.Comment = o.Comment
			}
		}
		out = append(out, c)
	}
	if appendExtra {
		for _, o := range overrides {
			if !replaced[o.Keyword] {
				out = append(out, o)
			}
		}
	}
	return out
}

// WriteRow appends one row to the file of the given beam. Row ids must
// arrive gap-free in page order.
func (w *fitsWriter) WriteRow(beam int, row *Row) error {
	if w.finalized {
		return fmt.Errorf("writer is already finalized")
	}
	ff, ok := w.files[beam]
	if !ok {
		return fmt.Errorf("no output file for beam %d", beam)
	}
	if len(row.Data) != w.geom.RowSize() {
		return fmt.Errorf("row for beam %d is %d bytes, expected %d", beam, len(row.Data), w.geom.RowSize())
	}
	if row.ID != ff.rows+1 {
		return fmt.Errorf("row id %d for beam %d, expected %d", row.ID, beam, ff.rows+1)
	}
	nchan := w.geom.RowChannels()
	if row.Offset != nil && (len(row.Offset) != nchan || len(row.Scale) != nchan) {
		return fmt.Errorf("beam %d row %d carries %d offsets for %d channels", beam, row.ID, len(row.Offset), nchan)
	}

	buf := ff.rowBuf
	binary.BigEndian.PutUint64(buf[0:], math.Float64bits(PageSeconds))
	binary.BigEndian.PutUint64(buf[8:], math.Float64bits((float64(row.ID)-0.5)*PageSeconds))

	at := 16
	for _, f := range w.freqs {
		binary.BigEndian.PutUint32(buf[at:], math.Float32bits(f))
		at += 4
	}
	for i := 0; i < nchan; i++ {
		binary.BigEndian.PutUint32(buf[at:], math.Float32bits(1))
		at += 4
	}
	at = putScaling(buf, at, row.Offset, 0, nchan*w.geom.NumPols)
	at = putScaling(buf, at, row.Scale, 1, nchan*w.geom.NumPols)
	copy(buf[at:], row.Data)

	if _, err := ff.w.Write(buf); err != nil {
		return fmt.Errorf("writing %s: %w", ff.path, err)
	}
	ff.written += int64(len(buf))
	ff.rows++
	return nil
}

// putScaling encodes a scaling array, padding with the neutral value up
// to count entries. Full resolution rows pass nil and get all neutral.
func putScaling(buf []byte, at int, values []float32, neutral float32, count int) int {
	for i := 0; i < count; i++ {
		v := neutral
		if i < len(values) {
			v = values[i]
		}
		binary.BigEndian.PutUint32(buf[at:], math.Float32bits(v))
		at += 4
	}
	return at
}

// Finalize pads the table data to a full record, patches the row count
// into every header and closes the files. It is safe to call more than
// once; later calls do nothing.
func (w *fitsWriter) Finalize() error {
	if w.finalized {
		return nil
	}
	w.finalized = true

	var firstErr error
	for _, id := range w.order {
		if err := w.files[id].finalize(w.compress); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (ff *fitsFile) finalize(compress bool) error {
	if pad := int(ff.written % fitsRecordSize); pad != 0 {
		if _, err := ff.w.Write(make([]byte, fitsRecordSize-pad)); err != nil {
			return fmt.Errorf("padding %s: %w", ff.path, err)
		}
	}

	card := ff.naxis2
	card.Value = ff.rows
	patched, err := formatCard(card)
	if err != nil {
		return err
	}

	if !compress {
		if _, err := ff.f.WriteAt(patched, ff.naxis2At); err != nil {
			return fmt.Errorf("patching row count in %s: %w", ff.path, err)
		}
		if err := ff.f.Close(); err != nil {
			return fmt.Errorf("closing %s: %w", ff.path, err)
		}
		log.Printf("Closed %s after %d rows", ff.path, ff.rows)
		return nil
	}

	image := ff.buf.Bytes()
	copy(image[ff.naxis2At:ff.naxis2At+fitsCardSize], patched)

	f, err := os.Create(ff.path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", ff.path, err)
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write(image); err != nil {
		f.Close()
		return fmt.Errorf("compressing %s: %w", ff.path, err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return fmt.Errorf("compressing %s: %w", ff.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", ff.path, err)
	}
	log.Printf("Closed %s after %d rows", ff.path, ff.rows)
	return nil
}

// Paths lists the output files in beam order.
func (w *fitsWriter) Paths() []string {
	paths := make([]string, 0, len(w.order))
	for _, id := range w.order {
		paths = append(paths, w.files[id].path)
	}
	return paths
}

// abort closes whatever files a failed constructor already opened.
func (w *fitsWriter) abort() {
	for _, id := range w.order {
		if ff := w.files[id]; ff.f != nil {
			ff.f.Close()
			os.Remove(ff.path)
		}
	}
}

// renderRecords formats cards into FITS header records: 80 byte cards,
// an END card, space padding up to a multiple of 2880 bytes.
func renderRecords(cards []Card) ([]byte, error) {
	var out bytes.Buffer
	for _, c := range cards {
		card, err := formatCard(c)
		if err != nil {
			return nil, err
		}
		out.Write(card)
	}
	end, err := formatCard(Card{Keyword: "END"})
	if err != nil {
		return nil, err
	}
	out.Write(end)

	for out.Len()%fitsRecordSize != 0 {
		out.Write(bytes.Repeat([]byte{' '}, fitsCardSize))
	}
	return out.Bytes(), nil
}

// formatCard renders one 80 byte header card. Numbers and booleans are
// right justified to column 30, strings are quoted, comments follow a
// slash. Overlong content is truncated.
func formatCard(c Card) ([]byte, error) {
	var body string
	switch c.Keyword {
	case "END":
		body = "END"
	case "COMMENT", "HISTORY":
		text, _ := c.Value.(string)
		body = c.Keyword + " " + text
	default:
		value, err := formatCardValue(c.Value)
		if err != nil {
			return nil, fmt.Errorf("card %s: %w", c.Keyword, err)
		}
		body = fmt.Sprintf("%-8s= %s", c.Keyword, value)
		if c.Comment != "" {
			body += " / " + c.Comment
		}
	}

	card := make([]byte, fitsCardSize)
	for i := range card {
		card[i] = ' '
	}
	if len(body) > fitsCardSize {
		body = body[:fitsCardSize]
	}
	copy(card, body)
	return card, nil
}

func formatCardValue(v interface{}) (string, error) {
	switch value := v.(type) {
	case bool:
		if value {
			return fmt.Sprintf("%20s", "T"), nil
		}
		return fmt.Sprintf("%20s", "F"), nil
	case int64:
		return fmt.Sprintf("%20d", value), nil
	case float64:
		return fmt.Sprintf("%20s", strconv.FormatFloat(value, 'G', -1, 64)), nil
	case string:
		escaped := strings.ReplaceAll(value, "'", "''")
		// A card has room for 68 value characters between the quotes.
		if len(escaped) > 68 {
			escaped = escaped[:68]
		}
		return fmt.Sprintf("'%-8s'", escaped), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// isoStartTime converts the header's YYYY-MM-DD-HH:MM:SS start time to
// the ISO form FITS headers use.
func isoStartTime(utcStart string) string {
	if len(utcStart) > 10 && utcStart[10] == '-' {
		return utcStart[:10] + "T" + utcStart[11:]
	}
	return utcStart
}
