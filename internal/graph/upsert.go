package graph

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidLabel rejects a node label or edge type that isn't a plain
// identifier — these are interpolated directly into Cypher text (openCypher
// has no way to bind a label/relationship-type as a parameter), so they are
// validated the same way a graph name is.
var ErrInvalidLabel = errors.New("graph: invalid label or edge type")

// NodeExists reports whether a node with the given fqn already exists and,
// if so, the label it currently carries — nodes are keyed by fqn alone
// (spec §4.5/§4.6: "upsert the node matching by FQN only"), precisely so a
// lineage-created stub (TempTable/TempColumn) and the real object the
// metadata builder later discovers at the same FQN resolve to one identity,
// not two (glossary "Stub node").
func (c *Client) NodeExists(ctx context.Context, fqn string) (exists bool, existingLabel string, err error) {
	rows, err := c.Query(ctx, `MATCH (n {fqn: $fqn}) RETURN n.label`, map[string]any{"fqn": fqn}, "label")
	if err != nil {
		return false, "", err
	}

	if len(rows) == 0 {
		return false, "", nil
	}

	label, _ := rows[0]["label"].(string)

	return true, label, nil
}

// UpsertNode performs the conditional-create + unconditional-set steps of
// the mandated decomposition, keyed by fqn alone. A node already present at
// fqn under a different label is a stub materializing into its real type
// (or, more rarely, the reverse): UpsertNode converts it in place — setting
// its label, re-applying createProps as the now-known authoritative
// attributes, and clearing sourced_by — instead of creating a second node at
// the same FQN. setProps is applied unconditionally on every call via
// Cypher's `SET n += $props` map merge, so repeated calls converge rather
// than clobber (spec §4.5: "never overwrites timestamps created by other
// producers" — callers keep producer-owned timestamps out of setProps on
// convergent re-runs). Returns whether this call created the node.
func (c *Client) UpsertNode(ctx context.Context, label, fqn string, createProps, setProps map[string]any) (bool, error) {
	if !isValidLabel(label) {
		return false, fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}

	exists, existingLabel, err := c.NodeExists(ctx, fqn)
	if err != nil {
		return false, fmt.Errorf("match node %q: %w", fqn, err)
	}

	created := false

	switch {
	case !exists:
		full := make(map[string]any, len(createProps)+2)
		for k, v := range createProps {
			full[k] = v
		}

		full["label"] = label
		full["fqn"] = fqn

		if err := c.Exec(ctx, `CREATE (n $props)`, map[string]any{"props": full}); err != nil {
			return false, fmt.Errorf("create node %s %q: %w", label, fqn, err)
		}

		created = true

	case existingLabel != label:
		full := make(map[string]any, len(createProps)+1)
		for k, v := range createProps {
			full[k] = v
		}

		full["label"] = label

		if err := c.Exec(ctx,
			`MATCH (n {fqn: $fqn}) SET n += $props REMOVE n.sourced_by`,
			map[string]any{"fqn": fqn, "props": full}); err != nil {
			return false, fmt.Errorf("convert stub node %q to %s: %w", fqn, label, err)
		}
	}

	if len(setProps) > 0 {
		if err := c.Exec(ctx,
			`MATCH (n {fqn: $fqn}) SET n += $props`,
			map[string]any{"fqn": fqn, "props": setProps}); err != nil {
			return created, fmt.Errorf("set node %s %q: %w", label, fqn, err)
		}
	}

	return created, nil
}

// EdgeEndpoint identifies one side of an edge by its node label and fqn.
type EdgeEndpoint struct {
	Label string
	FQN   string
}

// EdgeExists reports whether an edge of edgeType already connects source to
// target, additionally matched on keyProps (e.g. sql_hash for a DATA_FLOW
// edge, so the same source/target pair can carry one edge per pattern).
func (c *Client) EdgeExists(ctx context.Context, edgeType string, source, target EdgeEndpoint, keyProps map[string]any) (bool, error) {
	if !isValidLabel(edgeType) {
		return false, fmt.Errorf("%w: %q", ErrInvalidLabel, edgeType)
	}

	cypher := fmt.Sprintf(
		`MATCH (s {label: $sourceLabel, fqn: $sourceFQN})-[e:%s $keyProps]->(t {label: $targetLabel, fqn: $targetFQN}) RETURN e`,
		edgeType,
	)

	params := map[string]any{
		"sourceLabel": source.Label, "sourceFQN": source.FQN,
		"targetLabel": target.Label, "targetFQN": target.FQN,
		"keyProps": keyProps,
	}

	rows, err := c.Query(ctx, cypher, params, "e")
	if err != nil {
		return false, err
	}

	return len(rows) > 0, nil
}

// UpsertEdge performs the same conditional-create + unconditional-set
// decomposition as UpsertNode, for an edge keyed by
// (source endpoint, edgeType, target endpoint, keyProps). createProps is
// merged into keyProps on create (so the key properties are always present
// on the edge); setProps is applied unconditionally via `SET e += $props`.
func (c *Client) UpsertEdge(ctx context.Context, edgeType string, source, target EdgeEndpoint, keyProps, createProps, setProps map[string]any) (bool, error) {
	if !isValidLabel(edgeType) {
		return false, fmt.Errorf("%w: %q", ErrInvalidLabel, edgeType)
	}

	exists, err := c.EdgeExists(ctx, edgeType, source, target, keyProps)
	if err != nil {
		return false, fmt.Errorf("match edge %s %s->%s: %w", edgeType, source.FQN, target.FQN, err)
	}

	created := false

	if !exists {
		full := make(map[string]any, len(createProps)+len(keyProps))
		for k, v := range keyProps {
			full[k] = v
		}

		for k, v := range createProps {
			full[k] = v
		}

		cypher := fmt.Sprintf(
			`MATCH (s {label: $sourceLabel, fqn: $sourceFQN}), (t {label: $targetLabel, fqn: $targetFQN}) CREATE (s)-[e:%s $props]->(t)`,
			edgeType,
		)

		params := map[string]any{
			"sourceLabel": source.Label, "sourceFQN": source.FQN,
			"targetLabel": target.Label, "targetFQN": target.FQN,
			"props": full,
		}

		if err := c.Exec(ctx, cypher, params); err != nil {
			return false, fmt.Errorf("create edge %s %s->%s: %w", edgeType, source.FQN, target.FQN, err)
		}

		created = true
	}

	if len(setProps) > 0 {
		cypher := fmt.Sprintf(
			`MATCH (s {label: $sourceLabel, fqn: $sourceFQN})-[e:%s $keyProps]->(t {label: $targetLabel, fqn: $targetFQN}) SET e += $props`,
			edgeType,
		)

		params := map[string]any{
			"sourceLabel": source.Label, "sourceFQN": source.FQN,
			"targetLabel": target.Label, "targetFQN": target.FQN,
			"keyProps": keyProps, "props": setProps,
		}

		if err := c.Exec(ctx, cypher, params); err != nil {
			return created, fmt.Errorf("set edge %s %s->%s: %w", edgeType, source.FQN, target.FQN, err)
		}
	}

	return created, nil
}

func isValidLabel(s string) bool {
	if s == "" {
		return false
	}

	for i, r := range s {
		switch {
		case r == '_':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}

	return true
}
