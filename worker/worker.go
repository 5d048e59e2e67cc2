// Package worker serves a trained tagger over RabbitMQ: tag requests in,
// tagged entities out.
package worker

import (
	"fmt"

	"github.com/rs/zerolog"

	"legalner.dev/lnt/dataset"
	"legalner.dev/lnt/logger"
	"legalner.dev/lnt/rmq"
	"legalner.dev/lnt/types"
)

// decoder is the slice of the model the worker needs.
type decoder interface {
	Decode(batch []types.Example) ([][]int, error)
}

type Worker struct {
	rmq     rmqTransactions
	tagger  decoder
	builder *dataset.Builder
	runID   string
	log     *zerolog.Logger
}

func New(tagger decoder, builder *dataset.Builder, runID string) (*Worker, error) {
	log := logger.NewLogger("Worker")

	worker := Worker{
		tagger:  tagger,
		builder: builder,
		runID:   runID,
		log:     &log,
	}
	if err := worker.refreshRMQClient(); err != nil {
		log.Error().Err(err).Msg("Could not create RMQ client")
		return nil, err
	}
	return &worker, nil
}

// StartWorker consumes tag requests until the broker connection fails beyond
// recovery. Each delivery is processed on its own goroutine, with concurrency
// bounded by the channel Qos.
func (worker *Worker) StartWorker() error {
	defer worker.Close()
	for {
		select {
		case delivery, ok := <-worker.rmq.getDeliveriesCh():
			if ok {
				go worker.processMessage(&delivery)
				continue
			}
			worker.log.Error().Msg("Deliveries channel closed, trying to refresh RMQ client")
			if err := worker.refreshRMQClient(); err != nil {
				return fmt.Errorf(
					"rmq deliveries channel has been closed and refresh returned error: %w",
					err,
				)
			}
		case rmqErr := <-worker.rmq.getRespChanErrorsCh():
			if rmqErr == nil {
				continue
			}
			worker.log.Err(rmqErr).Msg("Response connection received error, trying to refresh RMQ client")
			if err := worker.refreshRMQClient(); err != nil {
				return fmt.Errorf(
					"response connection received error and refresh failed with: %w",
					err,
				)
			}
		case rmqErr := <-worker.rmq.getReqChanErrorsCh():
			if rmqErr == nil {
				continue
			}
			worker.log.Err(rmqErr).Msg("Request connection received error, trying to refresh RMQ client")
			if err := worker.refreshRMQClient(); err != nil {
				return fmt.Errorf(
					"request connection received error and refresh failed with: %w",
					err,
				)
			}
		}
	}
}

func (worker *Worker) Close() {
	worker.rmq.close()
}

func (worker *Worker) refreshRMQClient() error {
	worker.log.Info().Msg("Refreshing RMQ client")
	if oldClient := worker.rmq; oldClient != nil {
		defer oldClient.close()
	}
	rmqClient, err := rmq.NewClient()
	if err != nil {
		worker.log.Err(err).Msg("Failed to refresh RMQ client")
		return err
	}
	worker.rmq = &rmqClientWrapper{rmqClient}
	worker.log.Info().Msg("Refreshed RMQ client")
	return nil
}
