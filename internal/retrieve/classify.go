// Package retrieve implements the query planner and retriever: cheap
// pattern-driven query classification, strategy selection, candidate
// retrieval over the vector index, link graph and chunk store, and
// reranking.
package retrieve

import "strings"

// QueryType is the classified intent of a user query.
type QueryType string

const (
	QueryCompare    QueryType = "compare"
	QueryTimeline   QueryType = "timeline"
	QueryCausal     QueryType = "causal"
	QueryDefinition QueryType = "definition"
	QueryHowTo      QueryType = "howto"
	QuerySynthesize QueryType = "synthesize"
	QueryExplore    QueryType = "explore"
	QueryLookup     QueryType = "lookup"
)

// classRule maps keyword presence to a query type. Rules are checked in
// declaration order; the first hit wins, which is the fixed tie-break
// priority the classifier guarantees.
type classRule struct {
	qtype    QueryType
	keywords []string
}

var classRules = []classRule{
	{QueryCompare, []string{"compare", " vs ", " vs.", "versus", "difference between", "differences between"}},
	{QueryTimeline, []string{"timeline", "chronology", "history of", "over time", "evolution of"}},
	{QueryCausal, []string{"why ", "because", "cause of", "causes of", "reason for", "led to"}},
	{QueryDefinition, []string{"what is", "what are", "define ", "definition of", "meaning of"}},
	{QueryHowTo, []string{"how to", "how do i", "how do you", "how can i", "steps to", "guide to"}},
	{QuerySynthesize, []string{"summarize", "summarise", "summary of", "overview of", "synthesize", "key points"}},
	{QueryExplore, []string{"related to", "connected to", "connections", "explore", "around the topic"}},
}

// Classify maps a query to its type by case-insensitive keyword presence.
// Deterministic on its input; unmatched queries are lookups.
func Classify(query string) QueryType {
	q := " " + strings.ToLower(strings.TrimSpace(query)) + " "
	for _, rule := range classRules {
		for _, kw := range rule.keywords {
			if strings.Contains(q, kw) {
				return rule.qtype
			}
		}
	}
	return QueryLookup
}

// Strategy is the retrieval plan chosen for a query type.
type Strategy string

const (
	StrategyVector       Strategy = "vector"
	StrategyGraph        Strategy = "graph"
	StrategyHybrid       Strategy = "hybrid"
	StrategyTemporal     Strategy = "temporal"
	StrategyHierarchical Strategy = "hierarchical"
)

// StrategyFor maps a query type to its retrieval strategy.
func StrategyFor(qt QueryType) Strategy {
	switch qt {
	case QueryLookup, QuerySynthesize:
		return StrategyHybrid
	case QueryCompare, QueryExplore, QueryCausal:
		return StrategyGraph
	case QueryTimeline:
		return StrategyTemporal
	case QueryDefinition:
		return StrategyVector
	case QueryHowTo:
		return StrategyHierarchical
	default:
		return StrategyHybrid
	}
}

// ApplyPreferences upgrades a single-mode strategy to hybrid when the user
// asked for an additional mode; preferences never downgrade to single-mode.
func ApplyPreferences(s Strategy, preferVector, preferGraph bool) Strategy {
	switch s {
	case StrategyVector:
		if preferGraph {
			return StrategyHybrid
		}
	case StrategyGraph:
		if preferVector {
			return StrategyHybrid
		}
	}
	return s
}
