package extract

import "sort"

// RelType is the closed set of edge types the graph carries. The syncer's
// mapping table covers exactly this set; anything else is a config drift
// error, not a silently skipped edge.
type RelType string

const (
	RelBy        RelType = "BY"
	RelTagged    RelType = "TAGGED"
	RelFollows   RelType = "FOLLOWS"
	RelSimilar   RelType = "SIMILAR"
	RelDiscusses RelType = "DISCUSSES"
	RelLedTo     RelType = "LED_TO"
	RelRaised    RelType = "RAISED"
	RelMentions  RelType = "MENTIONS"
	RelKnows     RelType = "KNOWS"
	RelMemberOf  RelType = "MEMBER_OF"
	RelDecidedBy RelType = "DECIDED_BY"
	RelHasTheme  RelType = "HAS_THEME"
	RelFundedBy  RelType = "FUNDED_BY"
)

// RelTypes lists every known edge type in a stable order.
func RelTypes() []RelType {
	return []RelType{
		RelBy, RelTagged, RelFollows, RelSimilar, RelDiscusses,
		RelLedTo, RelRaised, RelMentions, RelKnows, RelMemberOf,
		RelDecidedBy, RelHasTheme, RelFundedBy,
	}
}

// Node kinds that appear in relations but are not extracted entities.
const (
	NodeSession = "session"
	NodeTag     = "tag"
)

// NodeRef names one relation endpoint by kind and name. For sessions the
// name is the session id, for tags the tag text; everything else uses the
// entity's canonical name.
type NodeRef struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// Relation is one typed, directed edge between two nodes.
type Relation struct {
	Type RelType `json:"type"`
	From NodeRef `json:"from"`
	To   NodeRef `json:"to"`
}

func entityRef(kind Kind, name string) NodeRef {
	return NodeRef{Kind: string(kind), Name: name}
}

// DeriveRelations turns the variant fields of the given entities into edges.
// It is deterministic: edges come out sorted and deduplicated, and symmetric
// KNOWS pairs are collapsed into one edge with the lexically smaller name
// first. Endpoints are taken on faith here; the syncer resolves names and
// drops edges whose endpoint never materialized.
func DeriveRelations(entities []*Entity) []Relation {
	var rels []Relation
	add := func(t RelType, from, to NodeRef) {
		if from.Name == "" || to.Name == "" || from == to {
			return
		}
		rels = append(rels, Relation{Type: t, From: from, To: to})
	}

	for _, e := range entities {
		self := entityRef(e.Kind, e.Name)

		for _, theme := range e.Themes {
			add(RelHasTheme, self, entityRef(KindTheme, theme))
		}

		switch e.Kind {
		case KindPerson:
			for _, peer := range UnionNames(e.Knows, e.WorksWith) {
				from, to := knowsOrder(e.Name, peer)
				add(RelKnows, from, to)
			}
			for _, org := range e.MemberOf {
				add(RelMemberOf, self, entityRef(KindOrganization, org))
			}
		case KindOrganization:
			for _, member := range e.Members {
				add(RelMemberOf, entityRef(KindPerson, member), self)
			}
			for _, project := range e.Funds {
				add(RelFundedBy, entityRef(KindProject, project), self)
			}
		case KindProject:
			for _, person := range e.People {
				add(RelMemberOf, entityRef(KindPerson, person), self)
			}
			for _, funder := range e.FundedBy {
				add(RelFundedBy, self, entityRef(KindOrganization, funder))
			}
		case KindDecision:
			for _, person := range e.DecidedBy {
				add(RelDecidedBy, self, entityRef(KindPerson, person))
			}
			if e.Project != "" {
				add(RelLedTo, self, entityRef(KindProject, e.Project))
			}
		case KindTension:
			for _, person := range e.BetweenPeople {
				add(RelMentions, self, entityRef(KindPerson, person))
			}
			for _, concept := range e.BetweenConcepts {
				add(RelMentions, self, entityRef(KindConcept, concept))
			}
		}
	}

	return dedupeRelations(rels)
}

// knowsOrder orients an undirected acquaintance edge deterministically.
func knowsOrder(a, b string) (NodeRef, NodeRef) {
	if b < a {
		a, b = b, a
	}
	return entityRef(KindPerson, a), entityRef(KindPerson, b)
}

func dedupeRelations(rels []Relation) []Relation {
	seen := make(map[Relation]bool, len(rels))
	out := rels[:0]
	for _, rel := range rels {
		if !seen[rel] {
			seen[rel] = true
			out = append(out, rel)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.From != b.From {
			if a.From.Kind != b.From.Kind {
				return a.From.Kind < b.From.Kind
			}
			return a.From.Name < b.From.Name
		}
		if a.To.Kind != b.To.Kind {
			return a.To.Kind < b.To.Kind
		}
		return a.To.Name < b.To.Name
	})
	return out
}
