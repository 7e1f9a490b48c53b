// Package tokens estimates token counts and request cost for models whose
// provider did not report usage on the final chunk.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/Amo808/multiprovider/pkg/conversation"
)

// Price is the per-million-token price of a model, in USD.
type Price struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// defaultPrices covers the models the CLI ships with. Unknown models estimate
// at zero cost rather than guessing.
var defaultPrices = map[conversation.ModelID]Price{
	"gpt-4o":        {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":   {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4-turbo":   {InputPerMTok: 10.00, OutputPerMTok: 30.00},
	"gpt-3.5-turbo": {InputPerMTok: 0.50, OutputPerMTok: 1.50},
}

// Estimator counts tokens with the model's own codec when tiktoken knows the
// model, and falls back to cl100k_base, then to a whitespace split.
type Estimator struct {
	mu     sync.Mutex
	codecs map[conversation.ModelID]tokenizer.Codec
	prices map[conversation.ModelID]Price
}

func NewEstimator() *Estimator {
	prices := make(map[conversation.ModelID]Price, len(defaultPrices))
	for k, v := range defaultPrices {
		prices[k] = v
	}
	return &Estimator{
		codecs: make(map[conversation.ModelID]tokenizer.Codec),
		prices: prices,
	}
}

// SetPrice overrides or adds the price entry for a model.
func (e *Estimator) SetPrice(model conversation.ModelID, price Price) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[model] = price
}

// Count returns the estimated token count of text for the given model.
func (e *Estimator) Count(model conversation.ModelID, text string) int {
	if text == "" {
		return 0
	}
	codec := e.codecFor(model)
	if codec == nil {
		return len(strings.Fields(text))
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return len(strings.Fields(text))
	}
	return len(ids)
}

// CountMessages sums the token estimate over a composed transcript.
func (e *Estimator) CountMessages(model conversation.ModelID, messages []conversation.Message) int {
	total := 0
	for _, m := range messages {
		total += e.Count(model, m.Content)
	}
	return total
}

// EstimateCost converts a usage pair into USD for the given model. Unknown
// models cost zero.
func (e *Estimator) EstimateCost(model conversation.ModelID, tokensIn, tokensOut int) float64 {
	e.mu.Lock()
	price, ok := e.prices[model]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	return float64(tokensIn)/1e6*price.InputPerMTok + float64(tokensOut)/1e6*price.OutputPerMTok
}

func (e *Estimator) codecFor(model conversation.ModelID) tokenizer.Codec {
	e.mu.Lock()
	defer e.mu.Unlock()
	if codec, ok := e.codecs[model]; ok {
		return codec
	}
	codec, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		codec, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			codec = nil
		}
	}
	e.codecs[model] = codec
	return codec
}
