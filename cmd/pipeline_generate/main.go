// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// pipeline_generate runs autoregressive generation over a pipeline ensemble with synthetic requests, and
// reports the outputs of every request.
//
// Example, with the toy ensemble in testdata (it runs on the pure Go reference engine):
//
//	go run ./cmd/pipeline_generate -ensemble cmd/pipeline_generate/testdata/ensemble.json -steps 4 -requests 8
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/pipeline/pkg/core/tensors"
	"github.com/gomlx/pipeline/pkg/core/tensors/numpy"
	"github.com/gomlx/pipeline/pkg/engines"
	_ "github.com/gomlx/pipeline/pkg/engines/simplego"
	"github.com/gomlx/pipeline/pkg/pipeline"
	"github.com/gomlx/pipeline/pkg/pipeline/ensemble"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagEnsemble = flag.String("ensemble", "", "Ensemble file (JSON or YAML) describing the pipeline stages.")
	flagSteps    = flag.Int("steps", 1, "Number of generation steps.")
	flagRequests = flag.Int("requests", 1, "Number of synthetic requests to run concurrently.")
	flagWorkers  = flag.Int("workers", pipeline.DefaultNumWorkers, "Number of stage tasks executed in parallel.")
	flagEngine   = flag.String("engine", "",
		fmt.Sprintf("Engine configuration, formatted as \"<engine_name>:<config>\". "+
			"If empty uses $%s or the first registered engine.", engines.PIPELINE_ENGINE))
	flagBatch       = flag.Int("batch", 1, "Batch size of each request.")
	flagSeqLen      = flag.Int("seq_len", 1, "Prompt length of each request.")
	flagCacheDir    = flag.String("cache_dir", "~/.cache/pipeline", "Where remote models are downloaded to.")
	flagSampleEvery = flag.Int("sample_every", 10000, "Report every n-th value of the outputs.")
	flagOutputNpz   = flag.String("output_npz", "", "If set, save the outputs of all requests to this .npz file.")
	flagProgress    = flag.Bool("progress", true, "Display a progress bar over the completed steps.")
	flagColor       = flag.Bool("color", true, "Use colors in the reports. If false, use plain ASCII.")
)

// config holds the settings of one generation, read from the flags.
type config struct {
	ensemblePath, engineConfig, cacheDir string
	numSteps, numRequests, numWorkers    int
	batchSize, seqLen                    int
	observer                             pipeline.StepObserver
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagEnsemble == "" {
		klog.Errorf("Missing -ensemble file. See 'pipeline_generate -help'.")
		os.Exit(1)
	}
	if !*flagColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	cfg := config{
		ensemblePath: *flagEnsemble,
		engineConfig: *flagEngine,
		cacheDir:     *flagCacheDir,
		numSteps:     *flagSteps,
		numRequests:  *flagRequests,
		numWorkers:   *flagWorkers,
		batchSize:    *flagBatch,
		seqLen:       *flagSeqLen,
	}
	var bar *progressbar.ProgressBar
	if *flagProgress {
		bar = progressbar.NewOptions(cfg.numSteps*cfg.numRequests,
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionShowIts(),
			progressbar.OptionClearOnFinish(),
		)
		cfg.observer = func(pipeline.StepEvent) { _ = bar.Add(1) }
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	start := time.Now()
	topology, responses, err := generate(ctx, cfg)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Execution failed with error: %+v\n", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)
	fmt.Println(titleStyle.Render("Generation"))
	fmt.Println(summaryTable(cfg, topology, elapsed).Render())
	for ii, response := range responses {
		fmt.Println(titleStyle.Render(fmt.Sprintf("Request #%d", ii)))
		fmt.Println(responseTable(response, *flagSampleEvery).Render())
	}
	if *flagOutputNpz != "" {
		if err = saveResponses(responses, *flagOutputNpz); err != nil {
			klog.Errorf("Failed to save outputs: %+v", err)
			os.Exit(1)
		}
		fmt.Printf("Outputs saved to %q\n", *flagOutputNpz)
	}
}

// generate loads the ensemble, runs cfg.numRequests synthetic requests and returns their responses.
func generate(ctx context.Context, cfg config) (*pipeline.Topology, []*pipeline.Response, error) {
	topology, err := ensemble.Load(ctx, cfg.ensemblePath, cfg.cacheDir)
	if err != nil {
		return nil, nil, err
	}
	engine, err := engines.NewWithConfig(cfg.engineConfig)
	if err != nil {
		return nil, nil, err
	}
	defer engine.Finalize()
	klog.V(1).Infof("using engine %s", engine.Description())

	p, err := pipeline.New(topology, engine)
	if err != nil {
		return nil, nil, err
	}
	defer p.Close()
	p.WithNumWorkers(cfg.numWorkers)
	if cfg.observer != nil {
		p.WithStepObserver(cfg.observer)
	}

	requests, err := syntheticRequests(topology, cfg.numRequests, cfg.batchSize, cfg.seqLen)
	if err != nil {
		return nil, nil, err
	}
	responses := make([]*pipeline.Response, cfg.numRequests)
	for ii := range responses {
		responses[ii] = pipeline.NewResponse(topology.LogitsName)
		responses[ii].OutputMemory = []engines.MemoryInfo{engines.HostMemory}
	}
	if err = p.Run(ctx, requests, responses, cfg.numSteps); err != nil {
		return nil, nil, err
	}
	return p.Topology(), responses, nil
}

// syntheticRequests returns numRequests requests with ids and positions set to 1, 2, 3, ...
func syntheticRequests(topology *pipeline.Topology, numRequests, batchSize, seqLen int) ([]pipeline.Request, error) {
	if numRequests <= 0 || batchSize <= 0 || seqLen <= 0 {
		return nil, errors.Errorf("-requests (%d), -batch (%d) and -seq_len (%d) must be > 0",
			numRequests, batchSize, seqLen)
	}
	ids := make([]int64, batchSize*seqLen)
	for ii := range ids {
		ids[ii] = int64(ii + 1)
	}
	requests := make([]pipeline.Request, numRequests)
	for ii := range requests {
		requests[ii] = pipeline.Request{
			InputNames: []string{topology.InputIDsName, topology.PositionIDsName},
			InputValues: []*tensors.Tensor{
				tensors.FromFlatDataAndDimensions(ids, batchSize, seqLen),
				tensors.FromFlatDataAndDimensions(ids, batchSize, seqLen),
			},
		}
	}
	return requests, nil
}

// saveResponses writes the outputs of all responses to a .npz file, named "request_<idx>/<output_name>".
func saveResponses(responses []*pipeline.Response, filePath string) error {
	values := make(map[string]*tensors.Tensor)
	for ii, response := range responses {
		for jj, name := range response.OutputNames {
			values[fmt.Sprintf("request_%d/%s", ii, name)] = response.OutputValues[jj]
		}
	}
	return numpy.ToNpzFile(values, filePath)
}

func stepsPerSecond(numSteps int, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "-"
	}
	return humanize.FtoaWithDigits(float64(numSteps)/elapsed.Seconds(), 2)
}
