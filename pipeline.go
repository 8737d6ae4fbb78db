package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// pipelineState tracks the lifecycle of a run.
type pipelineState int

const (
	StateInit pipelineState = iota
	StateStreaming
	StateDraining
	StateTerminated
)

// Pipeline reduces pages from a source into FITS rows, one row per
// output beam per page. It owns the working buffers of the active mode
// and processes strictly one page at a time, in arrival order.
type Pipeline struct {
	geom          *Geometry
	source        PageSource
	writer        RowWriter
	metrics       *Metrics
	status        *StatusPublisher
	progressEvery int64

	compressor    *Compressor
	deinterleaver *Deinterleaver
	synthesizer   *Synthesizer

	state     pipelineState
	pageCount int64
}

// NewPipeline assembles a pipeline for the resolved geometry. The
// synthesizer may be nil; IQUV pages then emit every tied-array beam
// directly. Workers bounds the deinterleave parallelism, 0 runs it
// sequentially. Metrics and status may be nil.
func NewPipeline(geom *Geometry, source PageSource, writer RowWriter, synthesizer *Synthesizer,
	workers int, metrics *Metrics, status *StatusPublisher, progressEvery int) *Pipeline {
	p := &Pipeline{
		geom:          geom,
		source:        source,
		writer:        writer,
		metrics:       metrics,
		status:        status,
		synthesizer:   synthesizer,
		progressEvery: int64(progressEvery),
	}
	if p.progressEvery < 1 {
		p.progressEvery = 60
	}
	if geom.Packed {
		p.compressor = NewCompressor(geom)
	} else {
		p.deinterleaver = NewDeinterleaver(geom, workers)
	}
	return p
}

// State returns the current lifecycle state.
func (p *Pipeline) State() pipelineState {
	return p.state
}

// PageCount returns the number of pages fully reduced so far.
func (p *Pipeline) PageCount() int64 {
	return p.pageCount
}

// Run consumes pages until end of data or cancellation. The writer is
// not finalized here; the caller does that exactly once via Finalize,
// also after failures, so rows written before an abort stay intact.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.source.Start(p.geom.PageSize()); err != nil {
		return err
	}
	p.state = StateStreaming
	log.Printf("Processing %s data for science case %d", p.geom.ModeName(), p.geom.ScienceCase)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := p.source.Next(ctx)
		if errors.Is(err, ErrEndOfData) {
			p.state = StateDraining
			log.Println("End of data received")
			break
		}
		if err != nil {
			return err
		}

		start := time.Now()
		if err := p.reducePage(page); err != nil {
			return err
		}
		if err := p.source.Release(page); err != nil {
			return err
		}
		p.pageCount++
		p.metrics.RecordPage(p.geom.PageSize(), time.Since(start).Seconds())
		if p.pageCount%p.progressEvery == 0 {
			p.status.PublishProgress("running", p.pageCount)
		}
	}

	log.Printf("Read %d pages", p.pageCount)
	return nil
}

// Finalize flushes and closes the writer. Safe to call more than once;
// only the first call does the work.
func (p *Pipeline) Finalize() error {
	if p.state == StateTerminated {
		return nil
	}
	p.state = StateTerminated
	err := p.writer.Finalize()
	p.status.PublishProgress("finished", p.pageCount)
	return err
}

// reducePage dispatches one page to the active mode. The row id is the
// page number, so every beam file carries identical gap-free ids.
func (p *Pipeline) reducePage(page []byte) error {
	if len(page) != p.geom.PageSize() {
		return fmt.Errorf("page %d is %d bytes, expected %d", p.pageCount+1, len(page), p.geom.PageSize())
	}
	if p.geom.Packed {
		return p.reducePacked(page)
	}
	return p.reduceRaw(page)
}

func (p *Pipeline) reducePacked(page []byte) error {
	rowID := p.pageCount + 1
	beamSize := p.geom.BeamSize()
	for tab := 0; tab < p.geom.NumBeams; tab++ {
		packed := p.compressor.Compress(page[tab*beamSize : (tab+1)*beamSize])
		p.metrics.RecordNumericWarnings(packed.InvalidChannels)

		row := &Row{ID: rowID, Data: packed.Data, Offset: packed.Offset, Scale: packed.Scale}
		if err := p.writer.WriteRow(tab, row); err != nil {
			return err
		}
		p.metrics.RecordRow("tab", len(packed.Data))
	}
	return nil
}

func (p *Pipeline) reduceRaw(page []byte) error {
	rowID := p.pageCount + 1
	if err := p.deinterleaver.Deinterleave(page); err != nil {
		return err
	}

	if p.synthesizer != nil {
		for _, sb := range p.synthesizer.SelectedBeams() {
			data, err := p.synthesizer.Synthesize(p.deinterleaver.Block(), sb)
			if err != nil {
				return err
			}
			if err := p.writer.WriteRow(sb, &Row{ID: rowID, Data: data}); err != nil {
				return err
			}
			p.metrics.RecordRow("syn", len(data))
		}
		return nil
	}

	for tab := 0; tab < p.geom.NumBeams; tab++ {
		beam := p.deinterleaver.Beam(tab)
		if err := p.writer.WriteRow(tab, &Row{ID: rowID, Data: beam}); err != nil {
			return err
		}
		p.metrics.RecordRow("tab", len(beam))
	}
	return nil
}
