package train

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	trainSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_train_steps_total",
		Help: "Total number of training step calls",
	})

	optimizerSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_optimizer_steps_total",
		Help: "Total number of applied optimizer updates",
	})

	skippedSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_skipped_steps_total",
		Help: "Optimizer updates skipped due to non-finite gradients",
	})

	trainLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bodkin_train_loss",
		Help: "Loss of the last training step",
	})

	learningRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bodkin_learning_rate",
		Help: "Current learning rate",
	})

	segmentsPerStep = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bodkin_segments_per_step",
		Help:    "Reasoning segments executed per training step",
		Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
	})

	gradNorm = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bodkin_grad_norm",
		Help: "Pre-clip global gradient norm of the last applied update",
	})

	evalLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bodkin_eval_loss",
		Help: "Average loss of the last evaluation",
	})

	evalAccuracy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bodkin_eval_accuracy",
		Help: "Token accuracy of the last evaluation",
	})
)
