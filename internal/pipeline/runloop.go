package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lumigraph/lumigraph/internal/config"
)

// DrainConfig bounds a single invocation's work: how large a batch to claim
// per call to step, and how many consecutive calls to make before exiting.
// There is no poll interval here on purpose — scheduling when to run a stage
// driver again is the external scheduler's job (spec.md §1 Non-goals); this
// package only bounds how much one invocation does before it hands control
// back.
type DrainConfig struct {
	// BatchLimit bounds how many rows/sources a single step call may claim.
	BatchLimit int
	// MaxBatches bounds how many times step is called in one invocation
	// before returning, even if the queue isn't empty yet (a defensive cap,
	// not a scheduling decision — the next scheduled invocation picks up
	// where this one left off).
	MaxBatches int
}

// StepResult is a step function's self-reported outcome, used only to decide
// whether the queue is drained (Processed == 0, or below BatchLimit) or
// whether DrainUntilEmpty should call step again immediately.
type StepResult struct {
	// Processed is the number of units of work (rows, patterns, sources)
	// the step call touched.
	Processed int
}

// DrainUntilEmpty calls step repeatedly, claiming up to cfg.BatchLimit units
// of work each time, until a call reports fewer than a full batch (the queue
// is drained for now), ctx is canceled, SIGINT/SIGTERM arrives, or
// cfg.MaxBatches is reached. It never sleeps: a one-shot process that found
// nothing to do just returns immediately, leaving the next scheduled
// invocation to check again (spec.md §5 "invoked by an external scheduler").
//
// A step error is logged and ends the drain (treated as "nothing more to do
// safely right now"): the claim tables remain the durable work queue, so a
// transient failure only costs this invocation, not correctness.
func DrainUntilEmpty(ctx context.Context, logger *slog.Logger, name string, cfg DrainConfig, step func(ctx context.Context) (StepResult, error)) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	logger.Info("running pipeline stage driver",
		slog.String("stage", name),
		slog.Int("batch_limit", cfg.BatchLimit),
		slog.Int("max_batches", cfg.MaxBatches),
	)

	totalProcessed := 0

	for batch := 0; cfg.MaxBatches <= 0 || batch < cfg.MaxBatches; batch++ {
		select {
		case <-ctx.Done():
			logger.Info("pipeline stage driver stopping", slog.String("stage", name), slog.String("reason", ctx.Err().Error()))

			return nil
		case sig := <-stop:
			logger.Info("received shutdown signal", slog.String("stage", name), slog.String("signal", sig.String()))

			return nil
		default:
		}

		result, err := step(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		}

		totalProcessed += result.Processed

		if result.Processed < cfg.BatchLimit || cfg.BatchLimit <= 0 {
			break
		}
	}

	logger.Info("pipeline stage driver done", slog.String("stage", name), slog.Int("total_processed", totalProcessed))

	return nil
}

// LoadDrainConfig reads <prefix>_BATCH_LIMIT and <prefix>_MAX_BATCHES from
// the environment (e.g. "AGGREGATE", "EXTRACT").
func LoadDrainConfig(prefix string, defaultBatch, defaultMaxBatches int) DrainConfig {
	return DrainConfig{
		BatchLimit: config.GetEnvInt(prefix+"_BATCH_LIMIT", defaultBatch),
		MaxBatches: config.GetEnvInt(prefix+"_MAX_BATCHES", defaultMaxBatches),
	}
}
