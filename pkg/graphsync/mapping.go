package graphsync

import (
	"fmt"
	"strings"

	"github.com/atranelis/recall/pkg/extract"
)

// The mapping from entity kinds to node labels and from relation types to
// permitted endpoint pairs lives here and only here. Adding a kind or a
// relation type means extending these tables; an entity or edge the tables
// do not cover is a configuration drift error and blocks its own sync.

// nodeLabels maps every syncable node kind to its graph label.
var nodeLabels = map[string]string{
	string(extract.KindConcept):      "Concept",
	string(extract.KindDecision):     "Decision",
	string(extract.KindOpenQuestion): "OpenQuestion",
	string(extract.KindPerson):       "Person",
	string(extract.KindOrganization): "Organization",
	string(extract.KindProject):      "Project",
	string(extract.KindTheme):        "Theme",
	string(extract.KindTension):      "Tension",
	extract.NodeSession:              "Session",
	extract.NodeTag:                  "Tag",
}

type endpointPair struct {
	from string
	to   string
}

// edgeEndpoints lists, per relation type, every endpoint kind pair an edge
// of that type may connect.
var edgeEndpoints = map[extract.RelType][]endpointPair{
	extract.RelBy:      {{extract.NodeSession, string(extract.KindPerson)}},
	extract.RelTagged:  {{extract.NodeSession, extract.NodeTag}},
	extract.RelFollows: {{extract.NodeSession, extract.NodeSession}},
	extract.RelSimilar: {{extract.NodeSession, extract.NodeSession}},
	extract.RelDiscusses: {
		{extract.NodeSession, string(extract.KindConcept)},
		{extract.NodeSession, string(extract.KindTension)},
	},
	extract.RelLedTo: {
		{extract.NodeSession, string(extract.KindDecision)},
		{string(extract.KindDecision), string(extract.KindProject)},
	},
	extract.RelRaised: {{extract.NodeSession, string(extract.KindOpenQuestion)}},
	extract.RelMentions: {
		{extract.NodeSession, string(extract.KindPerson)},
		{string(extract.KindTension), string(extract.KindPerson)},
		{string(extract.KindTension), string(extract.KindConcept)},
	},
	extract.RelKnows: {{string(extract.KindPerson), string(extract.KindPerson)}},
	extract.RelMemberOf: {
		{string(extract.KindPerson), string(extract.KindOrganization)},
		{string(extract.KindPerson), string(extract.KindProject)},
	},
	extract.RelDecidedBy: {{string(extract.KindDecision), string(extract.KindPerson)}},
	extract.RelHasTheme: {
		{extract.NodeSession, string(extract.KindTheme)},
		{string(extract.KindConcept), string(extract.KindTheme)},
		{string(extract.KindDecision), string(extract.KindTheme)},
		{string(extract.KindOpenQuestion), string(extract.KindTheme)},
		{string(extract.KindPerson), string(extract.KindTheme)},
		{string(extract.KindOrganization), string(extract.KindTheme)},
		{string(extract.KindProject), string(extract.KindTheme)},
		{string(extract.KindTension), string(extract.KindTheme)},
	},
	extract.RelFundedBy: {{string(extract.KindProject), string(extract.KindOrganization)}},
}

// LabelFor resolves a node kind to its graph label.
func LabelFor(kind string) (string, error) {
	label, ok := nodeLabels[strings.ToLower(kind)]
	if !ok {
		return "", fmt.Errorf("node kind %q has no graph label mapping", kind)
	}
	return label, nil
}

// validateEdge checks a relation against the endpoint table.
func validateEdge(rel extract.Relation) error {
	pairs, ok := edgeEndpoints[rel.Type]
	if !ok {
		return fmt.Errorf("relation type %q has no graph mapping", rel.Type)
	}
	from := strings.ToLower(rel.From.Kind)
	to := strings.ToLower(rel.To.Kind)
	for _, pair := range pairs {
		if pair.from == from && pair.to == to {
			return nil
		}
	}
	return fmt.Errorf("relation %s does not permit endpoints (%s, %s)", rel.Type, rel.From.Kind, rel.To.Kind)
}
