package graphsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/atranelis/recall/pkg/archive"
	"github.com/atranelis/recall/pkg/extract"
	"github.com/atranelis/recall/pkg/logger"
)

// Syncer upserts nodes and edges so that re-running over unchanged input
// leaves the graph unchanged. Entity nodes are keyed by (label, name),
// session nodes by id.
type Syncer struct {
	client *Client
}

func NewSyncer(client *Client) *Syncer {
	return &Syncer{client: client}
}

func (s *Syncer) session(ctx context.Context) neo4j.SessionWithContext {
	return s.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.client.Database,
	})
}

// EnsureConstraints creates the per-label uniqueness constraints the upsert
// keys rely on. Safe to call on every run.
func (s *Syncer) EnsureConstraints(ctx context.Context) error {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	for _, label := range sortedLabels() {
		key := "name"
		if label == "Session" {
			key = "id"
		}
		stmt := fmt.Sprintf(
			`CREATE CONSTRAINT %s_%s_unique IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE`,
			strings.ToLower(label), key, label, key,
		)
		res, err := sess.Run(ctx, stmt, nil)
		if err != nil {
			return fmt.Errorf("create constraint for %s: %w", label, err)
		}
		if _, err := res.Consume(ctx); err != nil {
			return fmt.Errorf("create constraint for %s: %w", label, err)
		}
	}
	return nil
}

// SyncEntities upserts one node per entity, grouped by label. An entity
// whose kind has no label mapping blocks with a configuration error; other
// groups still sync.
func (s *Syncer) SyncEntities(ctx context.Context, entities []*extract.Entity) error {
	byLabel := make(map[string][]map[string]any)
	var drift []error

	for _, e := range entities {
		label, err := LabelFor(string(e.Kind))
		if err != nil {
			drift = append(drift, err)
			continue
		}
		byLabel[label] = append(byLabel[label], map[string]any{
			"name":        e.Name,
			"kind":        string(e.Kind),
			"description": e.Description,
			"role":        e.Role,
			"status":      e.Status,
			"session_ids": e.SessionIDs(),
			"ref_count":   int64(len(e.Refs)),
		})
	}

	sess := s.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, label := range sortedKeys(byLabel) {
			res, err := tx.Run(ctx, fmt.Sprintf(`
UNWIND $nodes AS n
MERGE (e:%s {name: n.name})
SET e += n
`, label), map[string]any{"nodes": byLabel[label]})
			if err != nil {
				return nil, fmt.Errorf("upsert %s nodes: %w", label, err)
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, fmt.Errorf("upsert %s nodes: %w", label, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	return errors.Join(drift...)
}

// SyncSessions upserts session nodes together with their owner, tag and
// predecessor edges. The owner becomes a Person node named after the user
// id; tags become Tag nodes.
func (s *Syncer) SyncSessions(ctx context.Context, sessions []archive.Session) error {
	nodes := make([]map[string]any, 0, len(sessions))
	var tagEdges []map[string]any
	for _, session := range sessions {
		nodes = append(nodes, map[string]any{
			"id":        session.ID,
			"title":     session.Title,
			"user_id":   session.UserID,
			"summary":   session.Summary,
			"first_ts":  formatTS(session),
			"msg_count": int64(len(session.Messages)),
		})
		for _, tag := range session.Tags {
			tagEdges = append(tagEdges, map[string]any{"session_id": session.ID, "tag": tag})
		}
	}
	followEdges := followChain(sessions)

	sess := s.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if err := runConsume(ctx, tx, `
UNWIND $nodes AS n
MERGE (s:Session {id: n.id})
SET s += n
WITH s, n
MERGE (p:Person {name: n.user_id})
MERGE (s)-[:BY]->(p)
`, map[string]any{"nodes": nodes}); err != nil {
			return nil, fmt.Errorf("upsert sessions: %w", err)
		}

		if len(tagEdges) > 0 {
			if err := runConsume(ctx, tx, `
UNWIND $edges AS e
MATCH (s:Session {id: e.session_id})
MERGE (t:Tag {name: e.tag})
MERGE (s)-[:TAGGED]->(t)
`, map[string]any{"edges": tagEdges}); err != nil {
				return nil, fmt.Errorf("tag sessions: %w", err)
			}
		}

		if len(followEdges) > 0 {
			if err := runConsume(ctx, tx, `
UNWIND $edges AS e
MATCH (a:Session {id: e.from_id})
MATCH (b:Session {id: e.to_id})
MERGE (a)-[:FOLLOWS]->(b)
`, map[string]any{"edges": followEdges}); err != nil {
				return nil, fmt.Errorf("chain sessions: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

// SyncRelations upserts edges grouped by (type, from label, to label).
// Edges failing the mapping table are withheld and reported together after
// the valid ones have synced; edges whose endpoint node never materialized
// are dropped by the MATCH, which is intended.
func (s *Syncer) SyncRelations(ctx context.Context, relations []extract.Relation) error {
	type edgeGroup struct {
		relType   extract.RelType
		fromLabel string
		fromKey   string
		toLabel   string
		toKey     string
	}
	groups := make(map[edgeGroup][]map[string]any)
	var drift []error

	for _, rel := range relations {
		if err := validateEdge(rel); err != nil {
			drift = append(drift, err)
			continue
		}
		fromLabel, _ := LabelFor(rel.From.Kind)
		toLabel, _ := LabelFor(rel.To.Kind)
		group := edgeGroup{
			relType:   rel.Type,
			fromLabel: fromLabel,
			fromKey:   mergeKey(fromLabel),
			toLabel:   toLabel,
			toKey:     mergeKey(toLabel),
		}
		groups[group] = append(groups[group], map[string]any{
			"from": rel.From.Name,
			"to":   rel.To.Name,
		})
	}

	ordered := make([]edgeGroup, 0, len(groups))
	for group := range groups {
		ordered = append(ordered, group)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].relType != ordered[j].relType {
			return ordered[i].relType < ordered[j].relType
		}
		if ordered[i].fromLabel != ordered[j].fromLabel {
			return ordered[i].fromLabel < ordered[j].fromLabel
		}
		return ordered[i].toLabel < ordered[j].toLabel
	})

	sess := s.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, group := range ordered {
			stmt := fmt.Sprintf(`
UNWIND $edges AS e
MATCH (a:%s {%s: e.from})
MATCH (b:%s {%s: e.to})
MERGE (a)-[:%s]->(b)
`, group.fromLabel, group.fromKey, group.toLabel, group.toKey, group.relType)
			if err := runConsume(ctx, tx, stmt, map[string]any{"edges": groups[group]}); err != nil {
				return nil, fmt.Errorf("upsert %s edges: %w", group.relType, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	if len(drift) > 0 {
		logger.Error("relation mapping drift, edges withheld from sync", "count", len(drift))
	}
	return errors.Join(drift...)
}

// PruneEntities removes nodes of the given kind whose name is no longer in
// the corrected set, so correction deletions take effect on reimport.
func (s *Syncer) PruneEntities(ctx context.Context, kind extract.Kind, keep []string) error {
	label, err := LabelFor(string(kind))
	if err != nil {
		return err
	}

	sess := s.session(ctx)
	defer sess.Close(ctx)

	_, err = sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, runConsume(ctx, tx, fmt.Sprintf(`
MATCH (e:%s)
WHERE NOT e.name IN $keep
DETACH DELETE e
`, label), map[string]any{"keep": keep})
	})
	if err != nil {
		return fmt.Errorf("prune %s nodes: %w", label, err)
	}
	return nil
}

// DeriveSessionRelations produces the session-to-entity edges implied by
// provenance: a session discusses the concepts, raises the questions and
// mentions the people extracted from it.
func DeriveSessionRelations(entities []*extract.Entity) []extract.Relation {
	var rels []extract.Relation
	for _, e := range entities {
		var relType extract.RelType
		switch e.Kind {
		case extract.KindConcept, extract.KindTension:
			relType = extract.RelDiscusses
		case extract.KindOpenQuestion:
			relType = extract.RelRaised
		case extract.KindPerson:
			relType = extract.RelMentions
		case extract.KindDecision:
			relType = extract.RelLedTo
		case extract.KindTheme:
			relType = extract.RelHasTheme
		default:
			continue
		}
		for _, sessionID := range e.SessionIDs() {
			rels = append(rels, extract.Relation{
				Type: relType,
				From: extract.NodeRef{Kind: extract.NodeSession, Name: sessionID},
				To:   extract.NodeRef{Kind: string(e.Kind), Name: e.Name},
			})
		}
	}
	return rels
}

// SimilarRelations turns nearest-neighbor pairs from the embedding index
// into SIMILAR edges.
func SimilarRelations(pairs map[string][]string) []extract.Relation {
	var rels []extract.Relation
	for _, from := range sortedKeys(pairs) {
		for _, to := range pairs[from] {
			if from == to {
				continue
			}
			rels = append(rels, extract.Relation{
				Type: extract.RelSimilar,
				From: extract.NodeRef{Kind: extract.NodeSession, Name: from},
				To:   extract.NodeRef{Kind: extract.NodeSession, Name: to},
			})
		}
	}
	return rels
}

// followChain links each session to its predecessor per user, ordered by
// first timestamp.
func followChain(sessions []archive.Session) []map[string]any {
	byUser := make(map[string][]archive.Session)
	for _, session := range sessions {
		byUser[session.UserID] = append(byUser[session.UserID], session)
	}

	var edges []map[string]any
	for _, user := range sortedKeys(byUser) {
		group := byUser[user]
		sort.Slice(group, func(i, j int) bool {
			if !group[i].FirstTS.Equal(group[j].FirstTS) {
				return group[i].FirstTS.Before(group[j].FirstTS)
			}
			return group[i].ID < group[j].ID
		})
		for i := 1; i < len(group); i++ {
			edges = append(edges, map[string]any{
				"from_id": group[i].ID,
				"to_id":   group[i-1].ID,
			})
		}
	}
	return edges
}

func mergeKey(label string) string {
	if label == "Session" {
		return "id"
	}
	return "name"
}

func formatTS(session archive.Session) string {
	if session.FirstTS.IsZero() {
		return ""
	}
	return session.FirstTS.UTC().Format("2006-01-02T15:04:05Z07:00")
}

func runConsume(ctx context.Context, tx neo4j.ManagedTransaction, stmt string, params map[string]any) error {
	res, err := tx.Run(ctx, stmt, params)
	if err != nil {
		return err
	}
	_, err = res.Consume(ctx)
	return err
}

func sortedLabels() []string {
	labels := make([]string, 0, len(nodeLabels))
	for _, label := range nodeLabels {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
