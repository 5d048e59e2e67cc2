package worker

import (
	"errors"
	"strings"

	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"legalner.dev/lnt/types"
)

type failingMethod struct {
	fail bool
}

type rmqMock struct {
	config rmqMockConfig
	calls  rmqMockCalls
	body   []byte
}

type rmqMockConfig struct {
	publishResult       failingMethod
	acknowledgeDelivery failingMethod
}

type rmqMockCalls struct {
	publishResult       bool
	acknowledgeDelivery bool
	rejectDelivery      bool
}

func (mock *rmqMock) close() {}

func (mock *rmqMock) publishResult(contentType string, body []byte) error {
	mock.calls.publishResult = true
	mock.body = body
	if mock.config.publishResult.fail {
		return errors.New("failed to publish result")
	}
	return nil
}

func (mock *rmqMock) acknowledgeDelivery(delivery *amqp.Delivery) error {
	mock.calls.acknowledgeDelivery = true
	if mock.config.acknowledgeDelivery.fail {
		return errors.New("failed to acknowledge delivery")
	}
	return nil
}

func (mock *rmqMock) rejectDelivery(delivery *amqp.Delivery, log *zerolog.Logger) {
	mock.calls.rejectDelivery = true
}

func (mock *rmqMock) getDeliveriesCh() <-chan amqp.Delivery {
	return nil
}

func (mock *rmqMock) getReqChanErrorsCh() <-chan *amqp.Error {
	return nil
}

func (mock *rmqMock) getRespChanErrorsCh() <-chan *amqp.Error {
	return nil
}

type decoderMock struct {
	config decoderMockConfig
	calls  decoderMockCalls
}

type decoderMockConfig struct {
	fail bool
	path []int
}

type decoderMockCalls struct {
	decode bool
}

func (mock *decoderMock) Decode(batch []types.Example) ([][]int, error) {
	mock.calls.decode = true
	if mock.config.fail {
		return nil, errors.New("failed to decode")
	}
	paths := make([][]int, len(batch))
	for i := range batch {
		paths[i] = mock.config.path
	}
	return paths, nil
}

// chunkTokenizer splits on spaces and breaks words longer than four runes
// into sub-tokens, mirroring a word-piece vocabulary closely enough for
// offset mapping.
type chunkTokenizer struct {
	vocab map[string]int
}

func newChunkTokenizer() *chunkTokenizer {
	return &chunkTokenizer{vocab: map[string]int{"<pad>": 0}}
}

func (c *chunkTokenizer) id(piece string) int {
	if id, ok := c.vocab[piece]; ok {
		return id
	}
	id := len(c.vocab)
	c.vocab[piece] = id
	return id
}

func (c *chunkTokenizer) Encode(text string) []int {
	return c.EncodeWithSpans(text).IDs
}

func (c *chunkTokenizer) EncodeWithOptions(text string, addSpecialTokens bool) []int {
	return c.Encode(text)
}

func (c *chunkTokenizer) EncodeWithSpans(text string) api.EncodingResult {
	var res api.EncodingResult
	pos := 0
	for _, word := range strings.Split(text, " ") {
		for start := 0; start < len(word); start += 4 {
			end := start + 4
			if end > len(word) {
				end = len(word)
			}
			res.IDs = append(res.IDs, c.id(word[start:end]))
			res.Spans = append(res.Spans, api.TokenSpan{Start: pos + start, End: pos + end})
		}
		pos += len(word) + 1
	}
	return res
}

func (c *chunkTokenizer) Decode(ids []int) string { return "" }

func (c *chunkTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	return 0, nil
}
