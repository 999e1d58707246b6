// Package analyzer classifies free-text queries to bias the retrieval
// strategy. No single static similarity threshold works well across query
// shapes: precise asks merit a high-confidence bar and few results, broad
// queries should cast a wide net.
package analyzer

import "strings"

// QueryType is the coarse shape of an incoming query.
type QueryType string

const (
	TypeSpecific       QueryType = "specific"
	TypeGeneral        QueryType = "general"
	TypeExploratory    QueryType = "exploratory"
	TypeOrganizational QueryType = "organizational"
)

// Classification carries the retrieval hints derived from a query.
// The optimizer treats these as hints, not a hard contract: it may still
// widen the search before narrowing via reranking.
type Classification struct {
	Type      QueryType `json:"type"`
	Threshold float64   `json:"suggested_threshold"`
	Limit     int       `json:"suggested_limit"`
}

// organizationalPhrases marks queries about hierarchy, structure and roles.
var organizationalPhrases = []string{
	"chain of command", "organizational structure", "hierarchy", "leadership structure",
	"team structure", "command structure", "organization chart", "reporting structure",
	"delegation", "authority", "management levels", "organizational design",
	"team leadership", "company structure", "business hierarchy", "roles and responsibilities",
}

// specificPhrases marks task-oriented, precise asks.
var specificPhrases = []string{
	"how to", "what is", "how do i", "can you help", "steps to", "guide to",
}

// generalPhrases marks broad topical queries.
var generalPhrases = []string{
	"help", "improve", "business", "strategy", "marketing",
}

// Classify derives a Classification from the query string alone.
// Rules are ordered; the first match wins.
func Classify(query string) Classification {
	lower := strings.ToLower(query)
	wordCount := len(strings.Fields(query))

	if containsAny(lower, organizationalPhrases) {
		return Classification{Type: TypeOrganizational, Threshold: 0.6, Limit: 4}
	}

	// Longer or imperative queries are assumed to be precise asks.
	if containsAny(lower, specificPhrases) || wordCount > 8 {
		return Classification{Type: TypeSpecific, Threshold: 0.7, Limit: 3}
	}

	if containsAny(lower, generalPhrases) && wordCount <= 5 {
		return Classification{Type: TypeGeneral, Threshold: 0.5, Limit: 7}
	}

	return Classification{Type: TypeExploratory, Threshold: 0.6, Limit: 5}
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
