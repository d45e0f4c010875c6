package train

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/hrm"
)

// checkpointVersion guards the on-disk layout. Same-code-version
// resumability only; no forward or backward compatibility is promised.
const checkpointVersion = 1

type optimizerState struct {
	Step int
	M    map[string][]float64
	V    map[string][]float64
}

type schedulerState struct {
	Step int
}

type scalerState struct {
	Enabled   bool
	Scale     float64
	GoodSteps int
}

// segmentState captures the segment-minimum rng as seed plus draw count;
// restore replays the draws, which reproduces the stdlib rng exactly.
type segmentState struct {
	Seed  int64
	Draws int
}

// checkpointFile is the opaque CBOR bundle written to disk.
type checkpointFile struct {
	Version       int
	Step          int
	Epoch         int
	ModelConfig   hrm.Config
	TrainerConfig Config
	Params        map[string][]float64
	Optimizer     optimizerState
	Scheduler     schedulerState
	Scaler        scalerState
	Segment       segmentState
}

// SaveCheckpoint serializes the full optimization state. The write goes to
// a temp file in the target directory and is renamed into place, so a crash
// mid-save never corrupts an existing checkpoint.
func (t *Trainer) SaveCheckpoint(path string) (err error) {
	ck := checkpointFile{
		Version:       checkpointVersion,
		Step:          t.step,
		Epoch:         t.epoch,
		ModelConfig:   t.model.Config(),
		TrainerConfig: t.cfg,
		Params:        make(map[string][]float64, len(t.params)),
		Optimizer:     t.opt.exportState(),
		Scheduler:     schedulerState{Step: t.sched.step},
		Scaler:        scalerState{Enabled: t.scaler.enabled, Scale: t.scaler.scale, GoodSteps: t.scaler.goodSteps},
		Segment:       t.segmentState(),
	}
	for _, p := range t.params {
		ck.Params[p.Name] = append([]float64(nil), p.Tensor.Data()...)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".bodkin-ckpt-*")
	if err != nil {
		return fmt.Errorf("train: create checkpoint temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = cbor.NewEncoder(tmp).Encode(&ck); err != nil {
		return fmt.Errorf("train: encode checkpoint: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("train: close checkpoint temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("train: rename checkpoint into place: %w", err)
	}
	log.Info().Str("path", path).Int("step", t.step).Msg("checkpoint saved")
	return nil
}

// LoadCheckpoint restores parameters, optimizer, scheduler, scaler and
// segment-rng state. The stored model config must equal the live one;
// resuming under the same trainer config then reproduces the identical
// optimization trajectory, stochastic segment draws included.
func (t *Trainer) LoadCheckpoint(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("train: open checkpoint: %w", err)
	}
	defer f.Close()

	var ck checkpointFile
	if err := cbor.NewDecoder(f).Decode(&ck); err != nil {
		return fmt.Errorf("train: decode checkpoint: %w", err)
	}
	if ck.Version != checkpointVersion {
		return fmt.Errorf("train: checkpoint version %d, want %d", ck.Version, checkpointVersion)
	}
	if ck.ModelConfig != t.model.Config() {
		return fmt.Errorf("train: checkpoint model config %+v incompatible with live config %+v", ck.ModelConfig, t.model.Config())
	}

	for _, p := range t.params {
		src, ok := ck.Params[p.Name]
		if !ok {
			return fmt.Errorf("train: checkpoint missing parameter %q", p.Name)
		}
		dst := p.Tensor.Data()
		if len(src) != len(dst) {
			return fmt.Errorf("train: parameter %q has %d values, want %d", p.Name, len(src), len(dst))
		}
		copy(dst, src)
		p.Tensor.ZeroGrad()
	}

	t.opt.importState(ck.Optimizer)
	t.restoreSegmentState(ck.Segment)
	t.sched.step = ck.Scheduler.Step
	t.scaler.enabled = ck.Scaler.Enabled
	t.scaler.scale = ck.Scaler.Scale
	t.scaler.goodSteps = ck.Scaler.GoodSteps
	t.step = ck.Step
	t.epoch = ck.Epoch
	t.calls = 0

	log.Info().Str("path", path).Int("step", t.step).Msg("checkpoint loaded")
	return nil
}

func (t *Trainer) segmentState() segmentState {
	if t.ds != nil {
		return t.ds.state()
	}
	return t.act.state()
}

func (t *Trainer) restoreSegmentState(st segmentState) {
	if t.ds != nil {
		t.ds.restore(st)
		return
	}
	t.act.restore(st)
}
