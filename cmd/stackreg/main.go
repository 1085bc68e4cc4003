package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"stackreg/pkg/batch"
	"stackreg/pkg/config"
	"stackreg/pkg/correct"
	"stackreg/pkg/frame"
	"stackreg/pkg/register"
)

func main() {
	// Parse command line arguments
	inputPath := flag.String("input", "", "Raw float32 movie file to correct")
	outputPath := flag.String("output", "corrected.raw", "Output raw float32 movie filename")
	configPath := flag.String("config", "stackreg.yaml", "YAML configuration file (optional)")
	width := flag.Int("width", 0, "Frame width in pixels (overrides config)")
	height := flag.Int("height", 0, "Frame height in pixels (overrides config)")
	depth := flag.Int("depth", 0, "Planes per frame, 1 for planar movies (overrides config)")
	frames := flag.Int("frames", 0, "Number of frames, 0 to infer from file size")
	rigidOnly := flag.Bool("rigid-only", false, "Skip the piecewise refinement stage")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if *inputPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *width > 0 {
		cfg.Movie.Width = *width
	}
	if *height > 0 {
		cfg.Movie.Height = *height
	}
	if *depth > 0 {
		cfg.Movie.Depth = *depth
	}
	if *frames > 0 {
		cfg.Movie.Frames = *frames
	}
	if cfg.Movie.Width <= 0 || cfg.Movie.Height <= 0 {
		log.Fatalf("Frame geometry is required: set -width and -height or the movie section of %s", *configPath)
	}
	if cfg.Movie.Depth < 1 {
		cfg.Movie.Depth = 1
	}

	shape := frame.Shape{Rows: cfg.Movie.Height, Cols: cfg.Movie.Width, Planes: cfg.Movie.Depth}
	nFrames := cfg.Movie.Frames
	if nFrames == 0 {
		info, err := os.Stat(*inputPath)
		if err != nil {
			log.Fatalf("Failed to probe input movie: %v", err)
		}
		nFrames = int(info.Size() / (int64(shape.Size()) * 4))
	}
	if nFrames < 1 {
		log.Fatalf("Movie %s holds no complete %dx%dx%d frames", *inputPath, shape.Rows, shape.Cols, shape.Planes)
	}

	src, err := batch.OpenRawMovie(*inputPath, shape, nFrames)
	if err != nil {
		log.Fatalf("Failed to open input movie: %v", err)
	}
	defer src.Close()

	sink, err := batch.CreateRawMovie(*outputPath, shape, nFrames)
	if err != nil {
		log.Fatalf("Failed to create output movie: %v", err)
	}
	defer sink.Close()

	par := correctionParams(cfg)

	fmt.Println("================================")
	fmt.Println("PIECEWISE-RIGID MOTION CORRECTION FOR TIME-SERIES IMAGE STACKS")
	fmt.Println("================================")
	fmt.Printf("Movie: %d frames of %dx%dx%d\n", nFrames, shape.Rows, shape.Cols, shape.Planes)

	executor := batch.Pool{Workers: cfg.Batch.Workers}
	startTime := time.Now()

	// Rigid stage: bootstrap a template from the raw movie and refine it.
	// In rigid-only mode this stage also writes the corrected movie.
	rigidPar := par
	rigidPar.MaxDeviationRigid = 0
	rigid := batch.NewOrchestrator(rigidPar, batch.Options{
		Splits:      cfg.Batch.Splits,
		NumIter:     cfg.Batch.NumIterRigid,
		SaveMovie:   cfg.Batch.SaveMovie && *rigidOnly,
		NonNegative: cfg.Batch.NonNegative,
		Executor:    executor,
		Verbose:     cfg.Batch.Verbose,
	})

	fmt.Println("Starting rigid correction stage...")
	res, err := rigid.Run(src, sink, nil)
	if err != nil {
		log.Fatalf("Rigid correction failed: %v", err)
	}
	printShiftSummary("rigid", res)

	// Piecewise stage: refine per-patch against the rigid template.
	if !*rigidOnly && cfg.Correction.MaxDeviationRigid > 0 {
		piecewise := batch.NewOrchestrator(par, batch.Options{
			Splits:      cfg.Batch.Splits,
			NumIter:     cfg.Batch.NumIter,
			SaveMovie:   cfg.Batch.SaveMovie,
			NonNegative: cfg.Batch.NonNegative,
			Executor:    executor,
			Verbose:     cfg.Batch.Verbose,
		})

		fmt.Println("Starting piecewise-rigid correction stage...")
		res, err = piecewise.Run(src, sink, res.Template)
		if err != nil {
			log.Fatalf("Piecewise correction failed: %v", err)
		}
		printShiftSummary("piecewise", res)
	}

	if err := sink.Flush(); err != nil {
		log.Fatalf("Failed to flush output movie: %v", err)
	}

	fmt.Printf("\nCorrection completed in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("Corrected movie saved to: %s\n", *outputPath)
}

// correctionParams translates the configuration into engine parameters.
func correctionParams(cfg *config.Config) correct.Params {
	par := correct.Params{
		MaxShifts:          cfg.Correction.MaxShifts,
		Strides:            cfg.Correction.Strides,
		Overlaps:           cfg.Correction.Overlaps,
		MaxDeviationRigid:  cfg.Correction.MaxDeviationRigid,
		UpsampleFactorFFT:  cfg.Correction.UpsampleFactorFFT,
		UpsampleFactorGrid: cfg.Correction.UpsampleFactorGrid,
		FastPath:           cfg.Correction.FastPath,
		Border:             parseBorder(cfg.Correction.Border),
	}
	if cfg.Correction.GSigFilt > 0 || cfg.Correction.FreqCutoff > 0 {
		par.Filter = &correct.HighPass{
			Sigma: cfg.Correction.GSigFilt,
			Freq:  cfg.Correction.FreqCutoff,
			Order: cfg.Correction.FilterOrder,
		}
	}
	return par
}

func parseBorder(name string) register.BorderMode {
	switch name {
	case "nan":
		return register.BorderNaN
	case "min":
		return register.BorderMin
	case "none", "":
		return register.BorderNone
	default:
		return register.BorderCopy
	}
}

// printShiftSummary reports per-axis shift statistics for the last
// iteration of a correction stage.
func printShiftSummary(stage string, res *batch.Result) {
	axes := [3]string{"rows", "cols", "planes"}
	fmt.Printf("\n%s stage shift statistics (%d frames):\n", stage, len(res.Shifts))
	for ax := 0; ax < 3; ax++ {
		var vals []float64
		for _, perPatch := range res.Shifts {
			for _, s := range perPatch {
				vals = append(vals, s[ax])
			}
		}
		if len(vals) == 0 {
			continue
		}
		mean, std := stat.MeanStdDev(vals, nil)
		fmt.Printf("- %s: mean %.3f px, std %.3f px, range [%.3f, %.3f]\n",
			axes[ax], mean, std, floats.Min(vals), floats.Max(vals))
	}
}
