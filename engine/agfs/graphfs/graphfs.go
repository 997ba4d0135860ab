// Package graphfs is a fourth AGFS backend beyond the three named in
// SPEC_FULL.md §4.1: it stores the hierarchy as Neo4j (:Node)-[:CHILD]->
// (:Node) edges, one Node per URI. Grounded on the session/Cypher pattern
// in the teacher's engine/graph/graph.go, repurposed from a
// vehicle/component knowledge graph to a plain directory tree. Single-node
// CRUD (Read, and Write's existence probe plus create-or-update) runs
// through the teacher's generic pkg/repo.Neo4jRepo[T,ID] rather than
// hand-rolled Cypher; Stat, Remove and multi-node graph traversal (Mkdir's
// ancestor walk, ReadDir/RemoveAll's CHILD-edge traversal, Move's prefix
// rewrite) stay on raw Cypher since Repository's plain id-keyed
// Get/Create/Update/Delete has no concept of relationships or subtree
// queries.
package graphfs

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
	"github.com/LinQiang391/OpenViking/pkg/repo"
)

// graphNode is the repo.Repository entity backing one (:Node) vertex.
type graphNode struct {
	URI     string
	IsDir   bool
	Content []byte
	Size    int64
}

func nodeToMap(n graphNode) map[string]any {
	return map[string]any{
		"uri":     n.URI,
		"is_dir":  n.IsDir,
		"content": n.Content,
		"size":    n.Size,
	}
}

func nodeFromRecord(rec *neo4j.Record) (graphNode, error) {
	raw, ok := rec.Get("n")
	if !ok {
		return graphNode{}, fmt.Errorf("graphfs: record missing node")
	}
	n, ok := raw.(neo4j.Node)
	if !ok {
		return graphNode{}, fmt.Errorf("graphfs: unexpected node type %T", raw)
	}
	gn := graphNode{}
	if v, ok := n.Props["uri"].(string); ok {
		gn.URI = v
	}
	if v, ok := n.Props["is_dir"].(bool); ok {
		gn.IsDir = v
	}
	if v, ok := n.Props["content"].([]byte); ok {
		gn.Content = v
	}
	if v, ok := n.Props["size"].(int64); ok {
		gn.Size = v
	}
	return gn, nil
}

// Backend implements agfs.Backend over a Neo4j graph.
type Backend struct {
	driver neo4j.DriverWithContext
	nodes  *repo.Neo4jRepo[graphNode, string]

	writeMu sync.Mutex
	writes  map[string]*sync.Mutex
}

// New wires a graph-backed AGFS backend onto an already-open driver.
func New(driver neo4j.DriverWithContext) *Backend {
	nodes := repo.NewNeo4jRepo[graphNode, string](driver, "Node", nodeToMap, nodeFromRecord,
		repo.WithIDKey[graphNode, string]("uri"))
	return &Backend{driver: driver, nodes: nodes, writes: make(map[string]*sync.Mutex)}
}

func (b *Backend) session(ctx context.Context) neo4j.SessionWithContext {
	return b.driver.NewSession(ctx, neo4j.SessionConfig{})
}

// writeLockFor scopes the get-then-create/update sequence in Write to one
// mutex per URI, closing the race repo.Neo4jRepo's plain Create leaves
// open (unlike the original MERGE-based Cypher, Create/Update is a
// separate check-then-act pair).
func (b *Backend) writeLockFor(uri string) *sync.Mutex {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	m, ok := b.writes[uri]
	if !ok {
		m = &sync.Mutex{}
		b.writes[uri] = m
	}
	return m
}

func (b *Backend) Read(ctx context.Context, u vkuri.URI) ([]byte, error) {
	n, err := b.nodes.Get(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("graphfs read %s: %w", u, err)
	}
	if n.IsDir {
		return nil, fmt.Errorf("graphfs read %s: is a directory", u)
	}
	return n.Content, nil
}

func (b *Backend) Write(ctx context.Context, u vkuri.URI, data []byte, createOnly bool) error {
	lock := b.writeLockFor(u.String())
	lock.Lock()
	defer lock.Unlock()

	_, getErr := b.nodes.Get(ctx, u.String())
	exists := getErr == nil

	if createOnly && exists {
		return fmt.Errorf("graphfs write %s: already exists", u)
	}

	gn := graphNode{URI: u.String(), IsDir: false, Content: data, Size: int64(len(data))}
	var err error
	if exists {
		_, err = b.nodes.Update(ctx, gn)
	} else {
		_, err = b.nodes.Create(ctx, gn)
	}
	if err != nil {
		return fmt.Errorf("graphfs write %s: %w", u, err)
	}

	if parent := u.Parent(); parent != "" {
		sess := b.session(ctx)
		defer sess.Close(ctx)
		if _, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			return tx.Run(ctx,
				`MERGE (p:Node {uri: $parent}) ON CREATE SET p.is_dir = true
				 WITH p MATCH (n:Node {uri: $uri}) MERGE (p)-[:CHILD]->(n)`,
				map[string]any{"parent": parent.String(), "uri": u.String()})
		}); err != nil {
			return fmt.Errorf("graphfs write %s: link parent: %w", u, err)
		}
	}
	return nil
}

func (b *Backend) Mkdir(ctx context.Context, u vkuri.URI) error {
	sess := b.session(ctx)
	defer sess.Close(ctx)

	segs := strings.Split(strings.TrimPrefix(u.String(), "viking://"), "/")
	cur := vkuri.URI("")
	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		built := "viking:/"
		for _, seg := range segs {
			built += "/" + seg
			node, jerr := vkuri.Parse(built)
			if jerr != nil {
				continue
			}
			if _, err := tx.Run(ctx,
				`MERGE (n:Node {uri: $uri}) ON CREATE SET n.is_dir = true`,
				map[string]any{"uri": node.String()}); err != nil {
				return nil, err
			}
			if cur != "" {
				if _, err := tx.Run(ctx,
					`MATCH (p:Node {uri: $parent}), (n:Node {uri: $uri}) MERGE (p)-[:CHILD]->(n)`,
					map[string]any{"parent": cur.String(), "uri": node.String()}); err != nil {
					return nil, err
				}
			}
			cur = node
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("graphfs mkdir %s: %w", u, err)
	}
	return nil
}

func (b *Backend) ReadDir(ctx context.Context, u vkuri.URI) ([]agfs.DirEntry, error) {
	sess := b.session(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx,
		`MATCH (:Node {uri: $uri})-[:CHILD]->(c:Node) RETURN c.uri AS uri, c.is_dir AS is_dir, c.size AS size`,
		map[string]any{"uri": u.String()})
	if err != nil {
		return nil, fmt.Errorf("graphfs readdir %s: %w", u, err)
	}
	var out []agfs.DirEntry
	for result.Next(ctx) {
		rec := result.Record()
		childURI, _ := rec.Get("uri")
		isDir, _ := rec.Get("is_dir")
		size, _ := rec.Get("size")
		full, _ := childURI.(string)
		name := full[strings.LastIndex(full, "/")+1:]
		sz, _ := size.(int64)
		out = append(out, agfs.DirEntry{Name: name, IsDir: toBool(isDir), Size: sz})
	}
	return out, nil
}

func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func (b *Backend) Stat(ctx context.Context, u vkuri.URI) (agfs.Stat, error) {
	sess := b.session(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, `MATCH (n:Node {uri: $uri}) RETURN n.is_dir AS is_dir, n.size AS size`,
		map[string]any{"uri": u.String()})
	if err != nil {
		return agfs.Stat{}, fmt.Errorf("graphfs stat %s: %w", u, err)
	}
	if !result.Next(ctx) {
		return agfs.Stat{Exists: false}, nil
	}
	rec := result.Record()
	isDir, _ := rec.Get("is_dir")
	size, _ := rec.Get("size")
	sz, _ := size.(int64)
	return agfs.Stat{Exists: true, IsDir: toBool(isDir), Size: sz}, nil
}

// Remove stays on raw Cypher rather than repo.Neo4jRepo.Delete: every
// node here carries a CHILD edge to its parent, and Delete's plain
// `DELETE n` errors on any node with relationships still attached, so it
// cannot express this without DETACH.
func (b *Backend) Remove(ctx context.Context, u vkuri.URI) error {
	sess := b.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx, `MATCH (n:Node {uri: $uri}) DETACH DELETE n`, map[string]any{"uri": u.String()})
	if err != nil {
		return fmt.Errorf("graphfs remove %s: %w", u, err)
	}
	return nil
}

func (b *Backend) RemoveAll(ctx context.Context, u vkuri.URI) error {
	sess := b.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx,
		`MATCH (n:Node {uri: $uri}) OPTIONAL MATCH (n)-[:CHILD*0..]->(d:Node) DETACH DELETE d`,
		map[string]any{"uri": u.String()})
	if err != nil {
		return fmt.Errorf("graphfs removeall %s: %w", u, err)
	}
	return nil
}

func (b *Backend) Move(ctx context.Context, src, dst vkuri.URI) error {
	sess := b.session(ctx)
	defer sess.Close(ctx)

	srcPrefix := src.String()
	dstPrefix := dst.String()
	parent := dst.Parent()

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx,
			`MATCH (n:Node {uri: $uri}) OPTIONAL MATCH (n)-[:CHILD*0..]->(d:Node) RETURN DISTINCT d.uri AS uri`,
			map[string]any{"uri": srcPrefix})
		if err != nil {
			return nil, err
		}
		for result.Next(ctx) {
			v, ok := result.Record().Get("uri")
			if !ok || v == nil {
				continue
			}
			old, _ := v.(string)
			if old == "" {
				continue
			}
			nu := dstPrefix + strings.TrimPrefix(old, srcPrefix)
			if _, err := tx.Run(ctx, `MATCH (n:Node {uri: $old}) SET n.uri = $new`,
				map[string]any{"old": old, "new": nu}); err != nil {
				return nil, err
			}
		}
		if parent != "" {
			if _, err := tx.Run(ctx,
				`MERGE (p:Node {uri: $parent}) ON CREATE SET p.is_dir = true
				 WITH p MATCH (n:Node {uri: $dst}) MERGE (p)-[:CHILD]->(n)`,
				map[string]any{"parent": parent.String(), "dst": dstPrefix}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("graphfs move %s->%s: %w", src, dst, err)
	}
	return nil
}
