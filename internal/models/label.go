package models

import "strings"

// CognitiveLabel is one of the Information Foraging Theory categories
// assigned to every event.
type CognitiveLabel string

const (
	FollowingScent    CognitiveLabel = "FollowingScent"
	ApproachingSource CognitiveLabel = "ApproachingSource"
	DietEnrichment    CognitiveLabel = "DietEnrichment"
	PoorScent         CognitiveLabel = "PoorScent"
	LeavingPatch      CognitiveLabel = "LeavingPatch"
	ForagingSuccess   CognitiveLabel = "ForagingSuccess"

	// Unknown is only produced when no stage returned a decision for an event.
	Unknown CognitiveLabel = "Unknown"
)

// Labels lists the assignable labels in schema order.
var Labels = []CognitiveLabel{
	FollowingScent,
	ApproachingSource,
	DietEnrichment,
	PoorScent,
	LeavingPatch,
	ForagingSuccess,
}

// LabelDescriptions is the short definition of every label, used to render
// the label schema into prompts.
var LabelDescriptions = map[CognitiveLabel]string{
	FollowingScent:    "Starts or continues a search with a targeted, well-formed query that shows clear intent.",
	ApproachingSource: "Opens a result or item because its title or snippet carries strong scent, to inspect it further.",
	DietEnrichment:    "Reformulates the query to broaden or narrow scope, refining the information need.",
	PoorScent:         "Queries again without clicking, or rates an item unexpectedly low; the patch offers no promising scent.",
	LeavingPatch:      "Ends the session after repeated reformulations or attempts without a successful interaction.",
	ForagingSuccess:   "Finds what was needed, e.g. an answer on the result page, an accepted solution or a satisfying rating.",
}

// ParseLabel normalises a label emitted by a model. Matching ignores case,
// spaces, dashes and underscores. Unrecognised values return Unknown and false.
func ParseLabel(s string) (CognitiveLabel, bool) {
	key := normaliseLabel(s)
	if key == "" {
		return Unknown, false
	}
	for _, l := range Labels {
		if normaliseLabel(string(l)) == key {
			return l, true
		}
	}
	return Unknown, false
}

// Valid reports whether l is one of the assignable labels.
func (l CognitiveLabel) Valid() bool {
	_, ok := ParseLabel(string(l))
	return ok && l != Unknown
}

func normaliseLabel(s string) string {
	r := strings.NewReplacer(" ", "", "_", "", "-", "")
	return strings.ToLower(r.Replace(strings.TrimSpace(s)))
}
