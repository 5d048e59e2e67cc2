package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"legalner.dev/lnt/eval"
	"legalner.dev/lnt/types"
	"legalner.dev/lnt/utils"
)

// TagRequest arrives on the task queue: one document to tag.
type TagRequest struct {
	DocID  string `json:"document_id"`
	Text   string `json:"text"`
	Sender string `json:"sender"`
}

// TaggedEntity is one predicted entity with character offsets into the
// request text. End is exclusive.
type TaggedEntity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// TagResponse goes back out on the results queue.
type TagResponse struct {
	DocID    string         `json:"document_id"`
	Entities []TaggedEntity `json:"entities"`
	RunID    string         `json:"run_id"`
	TaggedAt string         `json:"tagged_at"`
}

const rfc3339Micro = "2006-01-02T15:04:05.000000-07:00"

type task struct {
	delivery *amqp.Delivery
	request  *TagRequest
	log      *zerolog.Logger
}

func (worker *Worker) processMessage(delivery *amqp.Delivery) {
	rejectLogger := worker.log.With().Str("message_id", delivery.MessageId).Logger()
	task, err := worker.createTask(delivery)
	if err != nil {
		worker.log.Err(err).
			Str("message_id", delivery.MessageId).
			Str("body", string(delivery.Body)).
			Msg("Failed to create task for delivery")
		worker.rmq.rejectDelivery(delivery, &rejectLogger)
		return
	}
	response, err := worker.runTagger(task)
	if err != nil {
		task.log.Err(err).Msg("Got error while tagging document")
		worker.rmq.rejectDelivery(delivery, &rejectLogger)
		return
	}
	body, err := json.Marshal(response)
	if err != nil {
		task.log.Err(err).Msg("Failed to marshal response")
		worker.rmq.rejectDelivery(delivery, &rejectLogger)
		return
	}
	if err = worker.rmq.publishResult(delivery.ContentType, body); err != nil {
		task.log.Err(err).Msg("Got error while sending message to results queue")
		worker.rmq.rejectDelivery(delivery, &rejectLogger)
		return
	}
	if err = worker.rmq.acknowledgeDelivery(delivery); err != nil {
		task.log.Err(err).Msg("Failed to acknowledge delivery")
	}
	task.log.Info().Int("entities", len(response.Entities)).Msg("Finished processing RMQ message")
}

func (worker *Worker) createTask(delivery *amqp.Delivery) (*task, error) {
	var request TagRequest
	if err := json.Unmarshal(delivery.Body, &request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message, got error %w", err)
	}
	if request.Text == "" {
		return nil, fmt.Errorf("request %q carries no text", request.DocID)
	}
	taskLogger := worker.log.With().Str("document_id", request.DocID).Logger()
	return &task{
		delivery: delivery,
		request:  &request,
		log:      &taskLogger,
	}, nil
}

func (worker *Worker) runTagger(task *task) (response *TagResponse, err error) {
	defer utils.RecoverWithError(&err)

	entities, err := worker.Tag(task.request.Text)
	if err != nil {
		return nil, err
	}
	return &TagResponse{
		DocID:    task.request.DocID,
		Entities: entities,
		RunID:    worker.runID,
		TaggedAt: time.Now().UTC().Format(rfc3339Micro),
	}, nil
}

// Tag runs one document through the model and maps the decoded token spans
// back to character offsets in the input text.
func (worker *Worker) Tag(text string) ([]TaggedEntity, error) {
	example, offsets, err := worker.builder.EncodeText(text)
	if err != nil {
		return nil, fmt.Errorf("failed to encode text: %w", err)
	}
	paths, err := worker.tagger.Decode([]types.Example{example})
	if err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}

	scheme := worker.builder.Scheme()
	tags := make([]string, len(paths[0]))
	for i, id := range paths[0] {
		tags[i] = scheme.TagOrOutside(id)
	}

	entities := make([]TaggedEntity, 0)
	for _, span := range eval.SpansFromTags(tags) {
		if span.Begin >= len(offsets) || span.End >= len(offsets) {
			continue
		}
		start := offsets[span.Begin].Start
		end := offsets[span.End].End
		if start >= end || end > len(text) {
			continue
		}
		entities = append(entities, TaggedEntity{
			Text:  text[start:end],
			Label: span.Label,
			Start: start,
			End:   end,
		})
	}
	return entities, nil
}
