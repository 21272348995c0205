package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/dustsweep/sweeper/internal/chain"
	"github.com/dustsweep/sweeper/internal/pipeline"
)

// Consumer bridges queue tasks to the execution coordinator.
type Consumer struct {
	logger      *logrus.Logger
	coordinator *pipeline.Coordinator
	chains      map[string]chain.Target
}

func NewConsumer(
	logger *logrus.Logger,
	coordinator *pipeline.Coordinator,
	chains map[string]chain.Target,
) *Consumer {
	return &Consumer{
		logger:      logger.WithField("pkg", "sweep.Consumer").Logger,
		coordinator: coordinator,
		chains:      chains,
	}
}

func (c *Consumer) handle(ctx context.Context, t *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}

	target, ok := c.chains[payload.Chain]
	if !ok {
		return fmt.Errorf("unsupported chain %q", payload.Chain)
	}

	in, err := payload.Intent(target)
	if err != nil {
		return fmt.Errorf("failed to reconstruct intent: %w", err)
	}

	l := c.logger.WithFields(logrus.Fields{
		"owner":       in.Owner,
		"chain":       in.Chain.Name,
		"calls":       len(in.Calls),
		"fingerprint": in.Fingerprint(),
	})
	l.Info("handling sweep intent")

	result, err := c.coordinator.Execute(ctx, in)
	if err != nil {
		// A queue retry must start a fresh run, not join the terminal one.
		if retryable(err) {
			c.coordinator.Forget(in)
		}
		return fmt.Errorf("failed to execute sweep (state=%s): %w", result.State, err)
	}

	l.WithFields(logrus.Fields{
		"state":  result.State,
		"handle": result.Receipt.Handle.ID,
	}).Info("sweep settled")
	return nil
}

// Handle is the asynq handler. Transient failures (no receipt before the
// deadline, fee estimation outages) are retried by the queue; everything
// else is terminal for this payload and must not be retried blindly.
func (c *Consumer) Handle(ctx context.Context, t *asynq.Task) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	err := c.handle(ctx, t)
	if err == nil {
		return nil
	}
	c.logger.WithError(err).Error("failed to handle sweep task")

	if retryable(err) {
		return err
	}
	return asynq.SkipRetry
}

func retryable(err error) bool {
	switch pipeline.KindOf(err) {
	case pipeline.KindBundlerTimeout, pipeline.KindFeeEstimationUnavailable, pipeline.KindStaleBlockhash:
		return true
	default:
		return false
	}
}
