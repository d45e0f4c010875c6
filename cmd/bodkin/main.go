package main

import (
	"context"
	"flag"
	"io"
	"math/rand"
	"os"
	"runtime/pprof"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-bodkin/internal/export"
	"github.com/23skdu/longbow-bodkin/internal/hrm"
	"github.com/23skdu/longbow-bodkin/internal/train"
)

var (
	hiddenSize   = flag.Int("hidden", 128, "Hidden size")
	interSize    = flag.Int("inter", 256, "Intermediate (feed-forward) size")
	numHeads     = flag.Int("heads", 4, "Attention heads")
	vocabSize    = flag.Int("vocab", 16, "Vocabulary size")
	cycles       = flag.Int("cycles", 2, "High-level cycles N")
	timesteps    = flag.Int("timesteps", 2, "Low-level timesteps T per cycle")
	seqLen       = flag.Int("seq", 16, "Sequence length for the synthetic task")
	batchSize    = flag.Int("batch", 8, "Batch size")
	steps        = flag.Int("steps", 200, "Training step calls")
	lr           = flag.Float64("lr", 1e-3, "Base learning rate")
	warmup       = flag.Int("warmup", 50, "Linear warmup steps")
	accum        = flag.Int("accum", 1, "Gradient accumulation steps")
	clip         = flag.Float64("clip", 1.0, "Global gradient norm clip (0 disables)")
	useACT       = flag.Bool("act", false, "Use adaptive computation time instead of deep supervision")
	maxSegments  = flag.Int("max-segments", 4, "Maximum reasoning segments per step")
	minSegProb   = flag.Float64("min-seg-prob", 0.1, "Probability of a stochastic minimum segment draw")
	scalerOn     = flag.Bool("scaler", false, "Enable loss scaling with skip-step on non-finite gradients")
	seed         = flag.Int64("seed", 42, "RNG seed for weights, data and segment draws")
	evalEvery    = flag.Int("eval-every", 50, "Evaluate every this many steps (0 disables)")
	evalBatches  = flag.Int("eval-batches", 8, "Batches per evaluation")
	checkpointTo = flag.String("checkpoint", "", "Write a checkpoint here when training finishes")
	resumeFrom   = flag.String("resume", "", "Resume from this checkpoint before training")
	tracePath    = flag.String("trace", "", "Write hidden-state diagnostics to this Arrow IPC file")
	enableOTel   = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile   = flag.String("cpuprofile", "", "Write cpu profile to file")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()
	ctx := context.Background()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	cfg := hrm.Config{
		HiddenSize:       *hiddenSize,
		IntermediateSize: *interSize,
		NumHeads:         *numHeads,
		VocabSize:        *vocabSize,
		Cycles:           *cycles,
		Timesteps:        *timesteps,
		MaxPosition:      *seqLen,
		RMSNormEps:       1e-6,
		RoPETheta:        10000.0,
	}
	model, err := hrm.NewModel(cfg, *seed)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid model configuration")
	}

	tc := train.DefaultTrainerConfig()
	tc.Optim.LR = *lr
	tc.WarmupSteps = *warmup
	tc.AccumSteps = *accum
	tc.GradClip = *clip
	tc.Segments = train.SegmentConfig{MaxSegments: *maxSegments, MinSegmentsProb: *minSegProb}
	tc.ScalerEnabled = *scalerOn
	tc.Seed = *seed
	if *useACT {
		tc.Mode = train.ModeACT
	}

	trainer, err := train.NewTrainer(model, tc)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create trainer")
	}

	if *resumeFrom != "" {
		if err := trainer.LoadCheckpoint(*resumeFrom); err != nil {
			log.Fatal().Err(err).Str("path", *resumeFrom).Msg("Failed to resume")
		}
	}

	mode := "deep-supervision"
	if *useACT {
		mode = "act"
	}
	log.Info().
		Str("mode", mode).
		Int("hidden", cfg.HiddenSize).
		Int("cycles", cfg.Cycles).
		Int("timesteps", cfg.Timesteps).
		Int("steps", *steps).
		Msg("Starting training on synthetic reversal task")

	tracer := otel.Tracer("bodkin")
	ctx, trainSpan := tracer.Start(ctx, "train")
	loader := newReversalLoader(*seed, *batchSize, *seqLen, *vocabSize, 0)

	start := time.Now()
	for step := 1; step <= *steps; step++ {
		batch, err := loader.Next()
		if err != nil {
			log.Fatal().Err(err).Msg("Loader failed")
		}
		m, err := trainer.TrainStep(batch)
		if err != nil {
			log.Fatal().Err(err).Msg("Training step failed")
		}
		if step%10 == 0 || step == *steps {
			log.Info().
				Int("step", step).
				Float64("loss", m.Loss).
				Float64("lr", m.LR).
				Int("segments", m.Segments).
				Bool("applied", m.Applied).
				Msg("train")
		}
		if *evalEvery > 0 && step%*evalEvery == 0 {
			_, evalSpan := tracer.Start(ctx, "evaluate")
			res, err := trainer.Evaluate(newReversalLoader(*seed+int64(step), *batchSize, *seqLen, *vocabSize, *evalBatches), 0)
			evalSpan.End()
			if err != nil {
				log.Fatal().Err(err).Msg("Evaluation failed")
			}
			log.Info().
				Float64("loss", res.Loss).
				Float64("accuracy", res.Accuracy).
				Float64("perplexity", res.Perplexity).
				Msg("eval")
		}
	}
	trainSpan.End()
	log.Info().Dur("elapsed", time.Since(start)).Msg("Training complete")

	if *tracePath != "" {
		if err := exportDiagnostics(model, loader, *tracePath, trainer.Step()); err != nil {
			log.Fatal().Err(err).Msg("Diagnostics export failed")
		}
		log.Info().Str("path", *tracePath).Msg("Diagnostics exported")
	}

	if *checkpointTo != "" {
		if err := trainer.SaveCheckpoint(*checkpointTo); err != nil {
			log.Fatal().Err(err).Msg("Checkpoint save failed")
		}
	}
}

// exportDiagnostics runs one traced forward and writes hidden states,
// per-step residuals and the participation ratio for offline analysis.
func exportDiagnostics(model *hrm.Model, loader *reversalLoader, path string, step int) error {
	batch, err := loader.Next()
	if err != nil {
		return err
	}
	in := hrm.ForwardInput{InputIDs: batch.InputIDs, Mask: batch.Mask, CollectTrace: true}
	out, err := model.Forward(nil, in)
	if err != nil {
		return err
	}
	residuals, err := model.ForwardResiduals(in)
	if err != nil {
		return err
	}
	pr, err := hrm.ParticipationRatio(out.ZH)
	if err != nil {
		return err
	}

	w, err := export.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.WriteStates("z_h", step, out.ZH); err != nil {
		return err
	}
	if err := w.WriteStates("z_l", step, out.ZL); err != nil {
		return err
	}
	norms := make([]float64, len(residuals))
	for i, r := range residuals {
		norms[i] = r.Norm
	}
	if err := w.WriteSeries("residuals", step, norms); err != nil {
		return err
	}
	return w.WriteSeries("participation_ratio", step, []float64{pr})
}

// reversalLoader generates the synthetic sequence-reversal task: the label
// at position i is the input token at position seq-1-i. maxBatches == 0
// means unbounded (training); otherwise Next returns io.EOF after that
// many batches (evaluation).
type reversalLoader struct {
	rng        *rand.Rand
	batchSize  int
	seqLen     int
	vocabSize  int
	maxBatches int
	served     int
}

func newReversalLoader(seed int64, batchSize, seqLen, vocabSize, maxBatches int) *reversalLoader {
	return &reversalLoader{
		rng:        rand.New(rand.NewSource(seed)),
		batchSize:  batchSize,
		seqLen:     seqLen,
		vocabSize:  vocabSize,
		maxBatches: maxBatches,
	}
}

func (l *reversalLoader) Next() (*train.Batch, error) {
	if l.maxBatches > 0 && l.served >= l.maxBatches {
		return nil, io.EOF
	}
	l.served++
	batch := &train.Batch{
		InputIDs: make([][]int, l.batchSize),
		Labels:   make([][]int, l.batchSize),
	}
	for b := 0; b < l.batchSize; b++ {
		in := make([]int, l.seqLen)
		labels := make([]int, l.seqLen)
		for i := range in {
			in[i] = l.rng.Intn(l.vocabSize)
		}
		for i := range labels {
			labels[i] = in[l.seqLen-1-i]
		}
		batch.InputIDs[b] = in
		batch.Labels[b] = labels
	}
	return batch, nil
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("bodkin"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}
