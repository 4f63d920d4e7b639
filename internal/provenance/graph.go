// Package provenance mirrors evidence records into a Neo4j graph so auditors
// can walk from a tenant to its sources, scope targets and lifecycle history.
package provenance

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/complyledger/evidence/internal/models"
)

type Graph struct {
	driver neo4j.DriverWithContext
}

type Config struct {
	URI      string
	Username string
	Password string
}

func New(ctx context.Context, cfg Config) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verifying neo4j connectivity: %w", err)
	}

	g := &Graph{driver: driver}

	if err := g.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return g, nil
}

func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

func (g *Graph) createIndexes(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS FOR (n:Tenant) ON (n.id)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Evidence) ON (n.id)",
		"CREATE INDEX IF NOT EXISTS FOR (n:SourceSystem) ON (n.name)",
		"CREATE INDEX IF NOT EXISTS FOR (n:ScopeTarget) ON (n.key)",
		"CREATE INDEX IF NOT EXISTS FOR (n:LifecycleEvent) ON (n.id)",
	}

	for _, idx := range indexes {
		if _, err := session.Run(ctx, idx, nil); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}

	return nil
}

const ingestQuery = `
	MERGE (t:Tenant {id: $tenantId})
	MERGE (s:SourceSystem {name: $sourceSystem})
	MERGE (e:Evidence {id: $id})
	SET e.tenantId = $tenantId,
		e.ingestionMethod = $ingestionMethod,
		e.datasetType = $datasetType,
		e.declaredScope = $declaredScope,
		e.trustLevel = $trustLevel,
		e.lifecycleState = $lifecycleState,
		e.ledgerState = $ledgerState,
		e.payloadHash = $payloadHash,
		e.createdAt = $createdAt
	MERGE (e)-[:OWNED_BY]->(t)
	MERGE (e)-[:SOURCED_FROM]->(s)
`

const scopeQuery = `
	MATCH (e:Evidence {id: $id})
	OPTIONAL MATCH (e)-[old:SCOPED_TO]->(:ScopeTarget)
	DELETE old
	WITH DISTINCT e
	MERGE (st:ScopeTarget {key: $scopeKey})
	SET st.tenantId = $tenantId, st.scope = $declaredScope, st.targetId = $scopeTargetId
	MERGE (e)-[:SCOPED_TO]->(st)
`

const clearScopeQuery = `
	MATCH (e:Evidence {id: $id})-[old:SCOPED_TO]->(:ScopeTarget)
	DELETE old
`

const transitionQuery = `
	MATCH (e:Evidence {id: $evidenceId})
	SET e.lifecycleState = $lifecycleState,
		e.ledgerState = $ledgerState,
		e.quarantined = $quarantined,
		e.sealHash = $sealHash
	MERGE (le:LifecycleEvent {id: $eventId})
	SET le.sequence = $sequence,
		le.type = $eventType,
		le.previousState = $previousState,
		le.newState = $newState,
		le.actorId = $actorId,
		le.at = $at
	MERGE (e)-[:HAD_EVENT]->(le)
`

func ingestParams(ev *models.Evidence) map[string]interface{} {
	return map[string]interface{}{
		"id":              ev.ID.String(),
		"tenantId":        ev.TenantID,
		"sourceSystem":    string(ev.SourceSystem),
		"ingestionMethod": string(ev.IngestionMethod),
		"datasetType":     string(ev.DatasetType),
		"declaredScope":   string(ev.DeclaredScope),
		"trustLevel":      string(ev.TrustLevel),
		"lifecycleState":  string(ev.LifecycleState),
		"ledgerState":     string(ev.LedgerState),
		"payloadHash":     ev.PayloadHashSHA256,
		"createdAt":       ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// scopeParams returns nil when the record names no scope target.
func scopeParams(ev *models.Evidence) map[string]interface{} {
	if ev.ScopeTargetID == "" {
		return nil
	}
	return map[string]interface{}{
		"id":            ev.ID.String(),
		"tenantId":      ev.TenantID,
		"declaredScope": string(ev.DeclaredScope),
		"scopeTargetId": ev.ScopeTargetID,
		"scopeKey":      fmt.Sprintf("%s:%s:%s", ev.TenantID, ev.DeclaredScope, ev.ScopeTargetID),
	}
}

func transitionParams(ev *models.Evidence, event *models.LifecycleEvent) map[string]interface{} {
	return map[string]interface{}{
		"evidenceId":     ev.ID.String(),
		"lifecycleState": string(ev.LifecycleState),
		"ledgerState":    string(ev.LedgerState),
		"quarantined":    ev.Quarantined,
		"sealHash":       ev.SealHashSHA256,
		"eventId":        event.ID.String(),
		"sequence":       int64(event.SequenceNumber),
		"eventType":      string(event.EventType),
		"previousState":  string(event.PreviousState),
		"newState":       string(event.NewState),
		"actorId":        event.ActorID,
		"at":             event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// EvidenceIngested adds a newly stored record to the graph.
func (g *Graph) EvidenceIngested(ctx context.Context, ev *models.Evidence) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		if _, err := tx.Run(ctx, ingestQuery, ingestParams(ev)); err != nil {
			return nil, err
		}
		if p := scopeParams(ev); p != nil {
			if _, err := tx.Run(ctx, scopeQuery, p); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("recording ingestion of %s: %w", ev.ID, err)
	}
	return nil
}

// EvidenceTransitioned records an accepted lifecycle event.
func (g *Graph) EvidenceTransitioned(ctx context.Context, ev *models.Evidence, event *models.LifecycleEvent) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		if _, err := tx.Run(ctx, transitionQuery, transitionParams(ev, event)); err != nil {
			return nil, err
		}
		if event.EventType == models.EventScopeResolved {
			query, params := scopeQuery, scopeParams(ev)
			if params == nil {
				query, params = clearScopeQuery, map[string]interface{}{"id": ev.ID.String()}
			}
			if _, err := tx.Run(ctx, query, params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("recording %s on %s: %w", event.EventType, ev.ID, err)
	}
	return nil
}

// Node is one hop in a provenance answer.
type Node struct {
	Kind  string `json:"kind"`
	Key   string `json:"key"`
	Label string `json:"label,omitempty"`
}

// Provenance is the graph neighborhood of one record.
type Provenance struct {
	EvidenceID string      `json:"evidence_id"`
	Nodes      []Node      `json:"nodes"`
	History    []EventNode `json:"history"`
}

type EventNode struct {
	Sequence int64  `json:"sequence_number"`
	Type     string `json:"event_type"`
	NewState string `json:"new_state"`
	ActorID  string `json:"actor_id"`
	At       string `json:"at"`
}

// Lookup returns the tenant, source, scope target and event history of a record.
// It returns nil when the record is not in the graph.
func (g *Graph) Lookup(ctx context.Context, tenantID, evidenceID string) (*Provenance, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (e:Evidence {id: $id, tenantId: $tenantId})
		OPTIONAL MATCH (e)-[r:OWNED_BY|SOURCED_FROM|SCOPED_TO]->(n)
		RETURN type(r) as rel, coalesce(n.id, n.name, n.key) as key, n.scope as label
	`, map[string]interface{}{"id": evidenceID, "tenantId": tenantID})
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	p := &Provenance{EvidenceID: evidenceID, Nodes: []Node{}, History: []EventNode{}}
	found := false
	for result.Next(ctx) {
		found = true
		rec := result.Record()
		rel, _ := rec.Get("rel")
		key, _ := rec.Get("key")
		label, _ := rec.Get("label")
		if rel == nil {
			continue
		}
		n := Node{Kind: relKind(rel.(string))}
		if s, ok := key.(string); ok {
			n.Key = s
		}
		if s, ok := label.(string); ok {
			n.Label = s
		}
		p.Nodes = append(p.Nodes, n)
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	events, err := session.Run(ctx, `
		MATCH (:Evidence {id: $id})-[:HAD_EVENT]->(le:LifecycleEvent)
		RETURN le.sequence as sequence, le.type as type, le.newState as newState, le.actorId as actorId, le.at as at
		ORDER BY le.sequence ASC
	`, map[string]interface{}{"id": evidenceID})
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	for events.Next(ctx) {
		rec := events.Record()
		var e EventNode
		if v, ok := rec.Get("sequence"); ok {
			e.Sequence, _ = v.(int64)
		}
		if v, ok := rec.Get("type"); ok {
			e.Type, _ = v.(string)
		}
		if v, ok := rec.Get("newState"); ok {
			e.NewState, _ = v.(string)
		}
		if v, ok := rec.Get("actorId"); ok {
			e.ActorID, _ = v.(string)
		}
		if v, ok := rec.Get("at"); ok {
			e.At, _ = v.(string)
		}
		p.History = append(p.History, e)
	}

	return p, events.Err()
}

func relKind(rel string) string {
	switch rel {
	case "OWNED_BY":
		return "tenant"
	case "SOURCED_FROM":
		return "source_system"
	case "SCOPED_TO":
		return "scope_target"
	}
	return rel
}
