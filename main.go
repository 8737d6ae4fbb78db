package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

// Global debug flag
var DebugMode bool

func main() {
	key := pflag.StringP("key", "k", "", "PSRDADA shared memory key (needs the external ringbuffer connector)")
	logfile := pflag.StringP("logfile", "l", "", "Tee log output to this file")
	templateDir := pflag.StringP("template-dir", "t", "", "Directory containing FITS header templates")
	outputDir := pflag.StringP("directory", "d", "", "Directory for the output beam files")
	tableName := pflag.StringP("beam-table", "S", "", "Synthesized beam table")
	selection := pflag.StringP("beams", "s", "", "Synthesized beams to write, e.g. 0,1,4-8")
	configFile := pflag.StringP("config", "c", "", "Path to configuration file")
	inputs := pflag.StringArrayP("input", "i", nil, "DADA capture file to replay, repeat for multiple files")
	showVersion := pflag.Bool("version", false, "Print version and exit")
	debug := pflag.Bool("debug", false, "Enable debug logging")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: dadafits -i <input.dada> [-i <input.dada> ...] [-l <logfile>] [-c <config.yaml>]\n")
		fmt.Fprintf(os.Stderr, "                [-t <template dir>] [-d <output directory>] [-S <beam table>] [-s <beam selection>]\n")
		fmt.Fprintf(os.Stderr, "e.g. dadafits -i run.dada -l log.txt -S table.yaml -s 0,1,4-8 -d /output/directory\n")
		fmt.Fprintf(os.Stderr, "\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *showVersion {
		fmt.Printf("dadafits %s\n", Version)
		return
	}

	// Set global debug mode - check environment variable first, then CLI flag
	DebugMode = *debug
	if debugEnv := os.Getenv("DEBUG"); debugEnv != "" {
		// Environment variable takes precedence
		DebugMode = debugEnv == "true" || debugEnv == "1" || debugEnv == "yes"
	}
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	if *logfile != "" {
		f, err := os.OpenFile(*logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Failed to open log file %s: %v", *logfile, err)
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, f))
		log.Printf("Logging to logfile: %s", *logfile)
	}

	// Load configuration
	config := DefaultConfig()
	if *configFile != "" {
		var err error
		config, err = LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}

	// Command line options override the configuration file
	if *key != "" {
		config.Input.Key = *key
	}
	if len(*inputs) > 0 {
		config.Input.Files = *inputs
	}
	if *templateDir != "" {
		config.Output.TemplateDir = *templateDir
	}
	if *outputDir != "" {
		config.Output.Directory = *outputDir
	}
	if *tableName != "" {
		config.Synthesis.Table = *tableName
	}
	if *selection != "" {
		config.Synthesis.Selection = *selection
	}

	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if len(config.Input.Files) == 0 {
		if config.Input.Key != "" {
			log.Fatalf("Ringbuffer key %s configured, but attaching to PSRDADA shared memory needs the external connector; replay a capture file with -i instead", config.Input.Key)
		}
		pflag.Usage()
		os.Exit(1)
	}

	log.Printf("dadafits version %s", Version)

	source, err := OpenDadaFiles(config.Input.Files)
	if err != nil {
		log.Fatalf("Failed to open input: %v", err)
	}
	defer source.Close()
	log.Printf("Replaying %d capture file(s), starting with %s", len(config.Input.Files), config.Input.Files[0])

	hdr, err := ParseRunHeader(source.Header())
	if err != nil {
		log.Fatalf("Failed to parse run header: %v", err)
	}
	if err := config.Science.CheckHeader(hdr); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	geom, err := ResolveGeometry(hdr.ScienceCase, hdr.ScienceMode, hdr.PaddedSize)
	if err != nil {
		log.Fatalf("Unsupported observation: %v", err)
	}

	// The guard runs before any of the transform buffers are allocated
	synthesize := config.Synthesis.Table != ""
	if err := CheckAvailableMemory(requiredBufferBytes(geom, synthesize), config.Limits.MemoryFraction); err != nil {
		log.Fatalf("Cannot start: %v", err)
	}

	var synthesizer *Synthesizer
	if synthesize {
		log.Printf("Writing synthesized beams")
		table, err := LoadSynthesizedBeamTable(config.Synthesis.Table)
		if err != nil {
			log.Fatalf("Failed to load synthesized beam table: %v", err)
		}
		synthesizer, err = NewSynthesizer(geom, table, config.Synthesis.Selection)
		if err != nil {
			log.Fatalf("Failed to set up beam synthesis: %v", err)
		}
	} else {
		log.Printf("Writing TABs (not synthesized beams)")
	}

	// Averaging four raw channels into one moves the frequency reference
	// up by half a raw channel
	if geom.Packed {
		hdr.AdjustForDownsampling()
	}

	templateName := config.Output.Template
	if templateName == "" {
		templateName = DefaultTemplate(geom)
	}
	template, err := LoadTemplate(config.Output.TemplateDir, templateName)
	if err != nil {
		log.Fatalf("Failed to load FITS template: %v", err)
	}

	log.Printf("Science mode: %d [ %s ]", geom.ScienceMode, geom.ModeName())
	log.Printf("Science case: %d", geom.ScienceCase)
	log.Printf("Template: %s", templateName)

	var beamIDs []int
	if synthesizer != nil {
		beamIDs = synthesizer.SelectedBeams()
	} else {
		for tab := 0; tab < geom.NumBeams; tab++ {
			beamIDs = append(beamIDs, tab)
		}
	}

	samples := geom.RawSamples
	if geom.Packed {
		samples = NumTimesLow
	}
	log.Printf("Output to FITS beams: %d, channels: %d, polarizations: %d, samples: %d",
		len(beamIDs), geom.RowChannels(), geom.NumPols, samples)

	writer, err := NewFITSWriter(geom, hdr, template, config.Output.Directory, beamIDs, synthesizer != nil, config.Output.Gzip)
	if err != nil {
		log.Fatalf("Failed to create FITS output: %v", err)
	}

	// Close the FITS files properly on SIGINT and SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := NewMetrics()
	if config.Metrics.Listen != "" {
		metrics.StartListener(ctx, config.Metrics.Listen)
	}

	var status *StatusPublisher
	if config.MQTT.Broker != "" {
		status, err = NewStatusPublisher(&config.MQTT)
		if err != nil {
			log.Printf("WARNING: status publishing disabled: %v", err)
			status = nil
		} else {
			defer status.Disconnect()
			status.PublishRunStart(hdr, geom)
		}
	}

	pipeline := NewPipeline(geom, source, writer, synthesizer, config.Limits.TransposeWorkers,
		metrics, status, config.Metrics.ProgressPages)

	if config.Limits.LockMemory {
		LockMemory()
	}

	runErr := pipeline.Run(ctx)
	if err := pipeline.Finalize(); err != nil {
		log.Fatalf("Failed to close FITS output: %v", err)
	}
	if runErr != nil {
		log.Fatalf("Run failed: %v", runErr)
	}

	if config.Archive.Enabled {
		uploader, err := NewArchiveUploader(&config.Archive)
		if err != nil {
			log.Fatalf("Failed to set up archive upload: %v", err)
		}
		if err := uploader.UploadAll(ctx, writer.Paths()); err != nil {
			log.Fatalf("Archive upload failed: %v", err)
		}
	}
}
