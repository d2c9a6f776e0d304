package router

// Price is the per-million-token cost for one model, in USD.
type Price struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// PriceTable maps "provider/model" keys to prices. Unknown entries cost zero.
type PriceTable map[string]Price

// DefaultPriceTable covers the models the service routes to out of the box.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		"openai/gpt-4o":                        {InputPerMTok: 2.50, OutputPerMTok: 10.00},
		"openai/gpt-4o-mini":                   {InputPerMTok: 0.15, OutputPerMTok: 0.60},
		"openai/text-embedding-3-small":        {InputPerMTok: 0.02},
		"anthropic/claude-3-5-sonnet-20241022": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
		"anthropic/claude-3-5-haiku-20241022":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
		"anthropic/claude-3-haiku-20240307":    {InputPerMTok: 0.25, OutputPerMTok: 1.25},
	}
}

// Cost prices one call. Unknown provider/model pairs price at zero rather
// than failing the turn.
func (t PriceTable) Cost(provider, model string, inputTokens, outputTokens int) float64 {
	p, ok := t[provider+"/"+model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*p.InputPerMTok + float64(outputTokens)/1e6*p.OutputPerMTok
}
