package models

import "context"

// ResultKind classifies the content of an event result.
type ResultKind int

const (
	// ResultGeneral is a reply produced by anything other than the LLM stage.
	ResultGeneral ResultKind = iota
	// ResultLLM is the final reply of a non-streaming LLM call.
	ResultLLM
	// ResultStreaming carries a live stream the respond stage must hand to
	// the platform adapter.
	ResultStreaming
	// ResultStreamingFinal marks a stream the adapter has already delivered.
	ResultStreamingFinal
)

// EventResult is what a pipeline run leaves behind for the respond stage:
// a chain, a propagation decision, and optionally a live stream.
type EventResult struct {
	Chain           *MessageChain
	Kind            ResultKind
	StopPropagation bool
	Stream          *StreamRelay
}

// NewResult wraps a chain in a continue-propagation result.
func NewResult(chain *MessageChain) *EventResult {
	return &EventResult{Chain: chain}
}

// StopWith wraps a chain in a stop-propagation result.
func StopWith(chain *MessageChain) *EventResult {
	return &EventResult{Chain: chain, StopPropagation: true}
}

// IsLLMResult reports whether the content came from the LLM stage.
func (r *EventResult) IsLLMResult() bool {
	return r.Kind == ResultLLM || r.Kind == ResultStreaming || r.Kind == ResultStreamingFinal
}

// StreamRelay adapts a provider chunk stream into the chain stream the
// respond stage feeds to an adapter. Chunk responses surface one chain at a
// time; the terminating non-chunk response is retained for the LLM stage to
// persist once the relay is exhausted.
type StreamRelay struct {
	src   <-chan *LLMResponse
	final *LLMResponse
}

// NewStreamRelay wraps a provider stream. The source channel must be closed
// after its terminating non-chunk response.
func NewStreamRelay(src <-chan *LLMResponse) *StreamRelay {
	return &StreamRelay{src: src}
}

// Next returns the next chunk chain. ok is false once the stream is
// exhausted, after which Final is available.
func (r *StreamRelay) Next(ctx context.Context) (chain *MessageChain, ok bool, err error) {
	for {
		select {
		case resp, open := <-r.src:
			if !open {
				return nil, false, nil
			}
			if resp.IsChunk {
				return resp.Chain, true, nil
			}
			r.final = resp
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Drain consumes any unread chunks and returns the terminating response.
func (r *StreamRelay) Drain(ctx context.Context) (*LLMResponse, error) {
	for {
		_, ok, err := r.Next(ctx)
		if err != nil {
			return r.final, err
		}
		if !ok {
			return r.final, nil
		}
	}
}

// Final returns the terminating non-chunk response, nil until exhaustion.
func (r *StreamRelay) Final() *LLMResponse { return r.final }
