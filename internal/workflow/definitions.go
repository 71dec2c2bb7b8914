package workflow

import (
	"github.com/meridel/finbrief/internal/agent"
)

// Workflow names.
const (
	NameMarketBrief = "market_brief"
	NameQuery       = "query"
)

func inputQuery(run *Run) string {
	if q, ok := run.Input["query"].(string); ok {
		return q
	}
	return ""
}

func wantsVoice(run *Run) bool {
	v, _ := run.Input["voice"].(bool)
	return v
}

// MarketBrief is the morning-brief pipeline: market data, news, and
// document retrieval fan out in parallel, feed a combined analysis,
// which the generator narrates. Speech synthesis is best-effort.
func MarketBrief() Definition {
	return Definition{
		Name: NameMarketBrief,
		Nodes: []Node{
			{
				ID:         "market_data",
				Capability: agent.CapMarketData,
			},
			{
				ID:         "news",
				Capability: agent.CapNews,
			},
			{
				ID:         "retrieve",
				Capability: agent.CapRetrieve,
				BuildPayload: func(run *Run) agent.Payload {
					return agent.Payload{"query": inputQuery(run)}
				},
			},
			{
				ID:         "analyze",
				Capability: agent.CapAnalyze,
				DependsOn:  []string{"market_data", "news", "retrieve"},
				BuildPayload: func(run *Run) agent.Payload {
					p := agent.Payload{"query": inputQuery(run)}
					if md := run.Output("market_data"); md != nil {
						p["market_data"] = md.Fields
					}
					if news := run.Output("news"); news != nil {
						p["headlines"] = news.Fields["headlines"]
					}
					if ret := run.Output("retrieve"); ret != nil {
						p["context"] = ret.Fields["context"]
					}
					return p
				},
			},
			{
				ID:         "generate",
				Capability: agent.CapGenerate,
				DependsOn:  []string{"analyze"},
				BuildPayload: func(run *Run) agent.Payload {
					p := agent.Payload{"query": inputQuery(run)}
					if an := run.Output("analyze"); an != nil {
						p["analysis"] = an.Fields["analysis"]
					}
					if ret := run.Output("retrieve"); ret != nil {
						p["context"] = ret.Fields["context"]
						p["citations"] = ret.Fields["citations"]
					}
					return p
				},
			},
			{
				ID:         "speak",
				Capability: agent.CapSpeak,
				DependsOn:  []string{"generate"},
				Optional:   true,
				Condition:  wantsVoice,
				BuildPayload: func(run *Run) agent.Payload {
					p := agent.Payload{}
					if gen := run.Output("generate"); gen != nil {
						p["text"] = gen.Str("answer")
					}
					return p
				},
			},
		},
	}
}

// Query is the generic pipeline: classify the question, retrieve
// grounding documents, pull live market data only when the classifier
// asks for it, then generate. Speech synthesis is best-effort.
func Query() Definition {
	return Definition{
		Name: NameQuery,
		Nodes: []Node{
			{
				ID:         "classify",
				Capability: agent.CapClassify,
				BuildPayload: func(run *Run) agent.Payload {
					return agent.Payload{"query": inputQuery(run)}
				},
			},
			{
				ID:         "retrieve",
				Capability: agent.CapRetrieve,
				DependsOn:  []string{"classify"},
				BuildPayload: func(run *Run) agent.Payload {
					return agent.Payload{"query": inputQuery(run)}
				},
			},
			{
				ID:         "market_data",
				Capability: agent.CapMarketData,
				DependsOn:  []string{"classify"},
				Condition: func(run *Run) bool {
					cl := run.Output("classify")
					return cl != nil && cl.Bool("needs_market_data")
				},
			},
			{
				ID:         "generate",
				Capability: agent.CapGenerate,
				DependsOn:  []string{"retrieve", "market_data"},
				BuildPayload: func(run *Run) agent.Payload {
					p := agent.Payload{"query": inputQuery(run)}
					if ret := run.Output("retrieve"); ret != nil {
						p["context"] = ret.Fields["context"]
						p["citations"] = ret.Fields["citations"]
					}
					if md := run.Output("market_data"); md != nil {
						p["market_data"] = md.Fields
					}
					return p
				},
			},
			{
				ID:         "speak",
				Capability: agent.CapSpeak,
				DependsOn:  []string{"generate"},
				Optional:   true,
				Condition:  wantsVoice,
				BuildPayload: func(run *Run) agent.Payload {
					p := agent.Payload{}
					if gen := run.Output("generate"); gen != nil {
						p["text"] = gen.Str("answer")
					}
					return p
				},
			},
		},
	}
}
