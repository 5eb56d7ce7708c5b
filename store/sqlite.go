// Package store persists canvases, node templates, task batches and file
// assets in SQLite, and applies canvas mutation plans transactionally.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom/core"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS canvases (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	original_canvas_id TEXT,
	is_api_canvas INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS node_templates (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	display_name TEXT NOT NULL,
	variable_inputs INTEGER NOT NULL DEFAULT 0,
	variable_outputs INTEGER NOT NULL DEFAULT 0,
	is_terminal_node INTEGER NOT NULL DEFAULT 0,
	is_transient INTEGER NOT NULL DEFAULT 0,
	handles_json BLOB
);

CREATE TABLE IF NOT EXISTS nodes (
	id TEXT PRIMARY KEY,
	canvas_id TEXT NOT NULL,
	type TEXT NOT NULL,
	name TEXT NOT NULL,
	x REAL NOT NULL DEFAULT 0,
	y REAL NOT NULL DEFAULT 0,
	width REAL NOT NULL DEFAULT 0,
	height REAL NOT NULL DEFAULT 0,
	template_id TEXT NOT NULL DEFAULT '',
	config_json BLOB,
	result_json BLOB,
	original_node_id TEXT,
	FOREIGN KEY(canvas_id) REFERENCES canvases(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_nodes_canvas ON nodes(canvas_id);

CREATE TABLE IF NOT EXISTS handles (
	id TEXT PRIMARY KEY,
	node_id TEXT NOT NULL,
	type TEXT NOT NULL,
	data_types TEXT NOT NULL,
	label TEXT NOT NULL,
	required INTEGER NOT NULL DEFAULT 0,
	handle_order INTEGER NOT NULL DEFAULT 0,
	template_handle_id TEXT,
	FOREIGN KEY(node_id) REFERENCES nodes(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_handles_node ON handles(node_id);

CREATE TABLE IF NOT EXISTS edges (
	id TEXT PRIMARY KEY,
	canvas_id TEXT NOT NULL,
	source TEXT NOT NULL,
	target TEXT NOT NULL,
	source_handle_id TEXT NOT NULL,
	target_handle_id TEXT NOT NULL,
	UNIQUE(source, target, source_handle_id, target_handle_id),
	FOREIGN KEY(canvas_id) REFERENCES canvases(id) ON DELETE CASCADE,
	FOREIGN KEY(source) REFERENCES nodes(id) ON DELETE CASCADE,
	FOREIGN KEY(target) REFERENCES nodes(id) ON DELETE CASCADE,
	FOREIGN KEY(source_handle_id) REFERENCES handles(id) ON DELETE CASCADE,
	FOREIGN KEY(target_handle_id) REFERENCES handles(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_edges_canvas ON edges(canvas_id);

CREATE TABLE IF NOT EXISTS task_batches (
	id TEXT PRIMARY KEY,
	canvas_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	pending_job_data BLOB,
	FOREIGN KEY(canvas_id) REFERENCES canvases(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_task_batches_canvas ON task_batches(canvas_id, finished_at);

CREATE TABLE IF NOT EXISTS tasks (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	batch_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error_json BLOB,
	created_at TEXT NOT NULL,
	FOREIGN KEY(batch_id) REFERENCES task_batches(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_tasks_batch ON tasks(batch_id);

CREATE TABLE IF NOT EXISTS file_assets (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL,
	bucket TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	duration_s REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);`

// Config configures the SQLite store.
type Config struct {
	DSN string
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// CanvasTree is a fully loaded canvas with all its entities.
type CanvasTree struct {
	Canvas  *core.Canvas
	Nodes   []*core.Node
	Handles []*core.Handle
	Edges   []*core.Edge
}

// Open opens (or creates) the SQLite database and ensures the schema.
func Open(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("store sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for components sharing the database
// file, such as the durable job queue.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateCanvas inserts a new canvas row.
func (s *Store) CreateCanvas(ctx context.Context, c *core.Canvas) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Version == 0 {
		c.Version = 1
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO canvases (id, owner_id, name, version, original_canvas_id, is_api_canvas, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Name, c.Version, nullString(c.OriginalCanvasID), boolToInt(c.IsAPICanvas),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store create canvas: %w", err)
	}
	return nil
}

// GetCanvas fetches a canvas by id.
func (s *Store) GetCanvas(ctx context.Context, id string) (*core.Canvas, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, owner_id, name, version, original_canvas_id, is_api_canvas, created_at, updated_at
FROM canvases WHERE id = ?`, id)
	c, err := scanCanvas(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrCanvasNotFound
		}
		return nil, err
	}
	return c, nil
}

// ListCanvases returns canvases, optionally filtered by owner, newest first.
func (s *Store) ListCanvases(ctx context.Context, ownerID string) ([]*core.Canvas, error) {
	query := `
SELECT id, owner_id, name, version, original_canvas_id, is_api_canvas, created_at, updated_at
FROM canvases`
	var args []any
	if ownerID != "" {
		query += " WHERE owner_id = ?"
		args = append(args, ownerID)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store list canvases: %w", err)
	}
	defer rows.Close()

	var out []*core.Canvas
	for rows.Next() {
		c, err := scanCanvas(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store list canvases rows: %w", err)
	}
	return out, nil
}

// RenameCanvas updates the canvas name and touches updated_at.
func (s *Store) RenameCanvas(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE canvases SET name = ?, updated_at = ? WHERE id = ?`,
		name, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("store rename canvas: %w", err)
	}
	return requireRow(res, core.ErrCanvasNotFound)
}

// DeleteCanvas removes a canvas; nodes, handles, edges and batches cascade.
func (s *Store) DeleteCanvas(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM canvases WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store delete canvas: %w", err)
	}
	return requireRow(res, core.ErrCanvasNotFound)
}

// LoadCanvasTree loads a canvas with all nodes, handles and edges.
func (s *Store) LoadCanvasTree(ctx context.Context, canvasID string) (*CanvasTree, error) {
	canvas, err := s.GetCanvas(ctx, canvasID)
	if err != nil {
		return nil, err
	}

	nodes, err := s.loadNodes(ctx, canvasID)
	if err != nil {
		return nil, err
	}
	handles, err := s.loadHandles(ctx, canvasID)
	if err != nil {
		return nil, err
	}
	edges, err := s.loadEdges(ctx, canvasID)
	if err != nil {
		return nil, err
	}

	return &CanvasTree{Canvas: canvas, Nodes: nodes, Handles: handles, Edges: edges}, nil
}

// CreateCanvasTree inserts a full canvas tree in one transaction. Used by
// the canvas cloner and by template-based canvas creation.
func (s *Store) CreateCanvasTree(ctx context.Context, tree *CanvasTree) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store create tree begin: %w", err)
	}
	defer tx.Rollback()

	c := tree.Canvas
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Version == 0 {
		c.Version = 1
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO canvases (id, owner_id, name, version, original_canvas_id, is_api_canvas, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Name, c.Version, nullString(c.OriginalCanvasID), boolToInt(c.IsAPICanvas),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt)); err != nil {
		return fmt.Errorf("store create tree canvas: %w", err)
	}

	for _, n := range tree.Nodes {
		if err := insertNode(ctx, tx, n); err != nil {
			return err
		}
	}
	for _, h := range tree.Handles {
		if err := insertHandle(ctx, tx, h); err != nil {
			return err
		}
	}
	for _, e := range tree.Edges {
		if err := insertEdge(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store create tree commit: %w", err)
	}
	return nil
}

// UpdateNodeResult replaces a node's persisted result envelope.
func (s *Store) UpdateNodeResult(ctx context.Context, nodeID string, result *core.ResultEnvelope) error {
	data, err := marshalJSON(result, "node result")
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE nodes SET result_json = ? WHERE id = ?`, data, nodeID)
	if err != nil {
		return fmt.Errorf("store update node result: %w", err)
	}
	return requireRow(res, core.ErrNodeNotFound)
}

// UpdateNodeConfig replaces a node's configuration object.
func (s *Store) UpdateNodeConfig(ctx context.Context, nodeID string, config map[string]any) error {
	data, err := marshalJSON(config, "node config")
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE nodes SET config_json = ? WHERE id = ?`, data, nodeID)
	if err != nil {
		return fmt.Errorf("store update node config: %w", err)
	}
	return requireRow(res, core.ErrNodeNotFound)
}

// GetNode fetches a single node by id.
func (s *Store) GetNode(ctx context.Context, id string) (*core.Node, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, canvas_id, type, name, x, y, width, height, template_id, config_json, result_json, original_node_id
FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNodeNotFound
		}
		return nil, err
	}
	return n, nil
}

// UpsertTemplate inserts or replaces a node template.
func (s *Store) UpsertTemplate(ctx context.Context, t *core.NodeTemplate) error {
	handles, err := marshalJSON(t.Handles, "template handles")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO node_templates (id, type, display_name, variable_inputs, variable_outputs, is_terminal_node, is_transient, handles_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	type = excluded.type,
	display_name = excluded.display_name,
	variable_inputs = excluded.variable_inputs,
	variable_outputs = excluded.variable_outputs,
	is_terminal_node = excluded.is_terminal_node,
	is_transient = excluded.is_transient,
	handles_json = excluded.handles_json`,
		t.ID, string(t.Type), t.DisplayName, boolToInt(t.VariableInputs), boolToInt(t.VariableOutputs),
		boolToInt(t.IsTerminalNode), boolToInt(t.IsTransient), handles)
	if err != nil {
		return fmt.Errorf("store upsert template: %w", err)
	}
	return nil
}

// GetTemplate fetches a node template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (*core.NodeTemplate, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, type, display_name, variable_inputs, variable_outputs, is_terminal_node, is_transient, handles_json
FROM node_templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrTemplateNotFound
		}
		return nil, err
	}
	return t, nil
}

// ListTemplates returns all node templates ordered by id.
func (s *Store) ListTemplates(ctx context.Context) ([]*core.NodeTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, type, display_name, variable_inputs, variable_outputs, is_terminal_node, is_transient, handles_json
FROM node_templates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store list templates: %w", err)
	}
	defer rows.Close()

	var out []*core.NodeTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store list templates rows: %w", err)
	}
	return out, nil
}

// TemplatesByID loads all templates keyed by id.
func (s *Store) TemplatesByID(ctx context.Context) (map[string]*core.NodeTemplate, error) {
	templates, err := s.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*core.NodeTemplate, len(templates))
	for _, t := range templates {
		byID[t.ID] = t
	}
	return byID, nil
}

// SeedTemplates upserts the given templates, typically at startup.
func (s *Store) SeedTemplates(ctx context.Context, templates []*core.NodeTemplate) error {
	for _, t := range templates {
		if err := s.UpsertTemplate(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// CreateAsset inserts a file asset record.
func (s *Store) CreateAsset(ctx context.Context, a *core.FileAsset) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO file_assets (id, key, bucket, mime_type, size, width, height, duration_s, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Key, a.Bucket, a.MimeType, a.Size, a.Width, a.Height, a.DurationS, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("store create asset: %w", err)
	}
	return nil
}

// GetAsset fetches a file asset by id.
func (s *Store) GetAsset(ctx context.Context, id string) (*core.FileAsset, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, key, bucket, mime_type, size, width, height, duration_s, created_at
FROM file_assets WHERE id = ?`, id)

	var a core.FileAsset
	var createdAt string
	err := row.Scan(&a.ID, &a.Key, &a.Bucket, &a.MimeType, &a.Size, &a.Width, &a.Height, &a.DurationS, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrAssetNotFound
		}
		return nil, fmt.Errorf("store get asset: %w", err)
	}
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

func (s *Store) loadNodes(ctx context.Context, canvasID string) ([]*core.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, canvas_id, type, name, x, y, width, height, template_id, config_json, result_json, original_node_id
FROM nodes WHERE canvas_id = ?`, canvasID)
	if err != nil {
		return nil, fmt.Errorf("store load nodes: %w", err)
	}
	defer rows.Close()

	var out []*core.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store load nodes rows: %w", err)
	}
	return out, nil
}

func (s *Store) loadHandles(ctx context.Context, canvasID string) ([]*core.Handle, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT h.id, h.node_id, h.type, h.data_types, h.label, h.required, h.handle_order, h.template_handle_id
FROM handles h JOIN nodes n ON n.id = h.node_id
WHERE n.canvas_id = ?
ORDER BY h.node_id, h.handle_order`, canvasID)
	if err != nil {
		return nil, fmt.Errorf("store load handles: %w", err)
	}
	defer rows.Close()

	var out []*core.Handle
	for rows.Next() {
		var h core.Handle
		var typ, dataTypes string
		var required int
		var templateHandleID sql.NullString
		if err := rows.Scan(&h.ID, &h.NodeID, &typ, &dataTypes, &h.Label, &required, &h.Order, &templateHandleID); err != nil {
			return nil, fmt.Errorf("store scan handle: %w", err)
		}
		h.Type = core.HandleType(typ)
		h.Required = required != 0
		h.TemplateHandleID = templateHandleID.String
		if err := json.Unmarshal([]byte(dataTypes), &h.DataTypes); err != nil {
			return nil, fmt.Errorf("store decode handle data types: %w", err)
		}
		out = append(out, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store load handles rows: %w", err)
	}
	return out, nil
}

func (s *Store) loadEdges(ctx context.Context, canvasID string) ([]*core.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, canvas_id, source, target, source_handle_id, target_handle_id
FROM edges WHERE canvas_id = ?`, canvasID)
	if err != nil {
		return nil, fmt.Errorf("store load edges: %w", err)
	}
	defer rows.Close()

	var out []*core.Edge
	for rows.Next() {
		var e core.Edge
		if err := rows.Scan(&e.ID, &e.CanvasID, &e.Source, &e.Target, &e.SourceHandleID, &e.TargetHandleID); err != nil {
			return nil, fmt.Errorf("store scan edge: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store load edges rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCanvas(row rowScanner) (*core.Canvas, error) {
	var c core.Canvas
	var originalID sql.NullString
	var isAPI int
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Version, &originalID, &isAPI, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store scan canvas: %w", err)
	}
	c.OriginalCanvasID = originalID.String
	c.IsAPICanvas = isAPI != 0
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func scanNode(row rowScanner) (*core.Node, error) {
	var n core.Node
	var typ string
	var config, result []byte
	var originalID sql.NullString
	err := row.Scan(&n.ID, &n.CanvasID, &typ, &n.Name, &n.X, &n.Y, &n.Width, &n.Height,
		&n.TemplateID, &config, &result, &originalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store scan node: %w", err)
	}
	n.Type = core.NodeType(typ)
	n.OriginalNodeID = originalID.String
	if len(config) > 0 {
		if err := json.Unmarshal(config, &n.Config); err != nil {
			return nil, fmt.Errorf("store decode node config: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &n.Result); err != nil {
			return nil, fmt.Errorf("store decode node result: %w", err)
		}
	}
	return &n, nil
}

func scanTemplate(row rowScanner) (*core.NodeTemplate, error) {
	var t core.NodeTemplate
	var typ string
	var variableInputs, variableOutputs, isTerminal, isTransient int
	var handles []byte
	err := row.Scan(&t.ID, &typ, &t.DisplayName, &variableInputs, &variableOutputs, &isTerminal, &isTransient, &handles)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store scan template: %w", err)
	}
	t.Type = core.NodeType(typ)
	t.VariableInputs = variableInputs != 0
	t.VariableOutputs = variableOutputs != 0
	t.IsTerminalNode = isTerminal != 0
	t.IsTransient = isTransient != 0
	if len(handles) > 0 {
		if err := json.Unmarshal(handles, &t.Handles); err != nil {
			return nil, fmt.Errorf("store decode template handles: %w", err)
		}
	}
	return &t, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertNode(ctx context.Context, tx execer, n *core.Node) error {
	config, err := marshalJSON(n.Config, "node config")
	if err != nil {
		return err
	}
	result, err := marshalJSON(n.Result, "node result")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO nodes (id, canvas_id, type, name, x, y, width, height, template_id, config_json, result_json, original_node_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.CanvasID, string(n.Type), n.Name, n.X, n.Y, n.Width, n.Height,
		n.TemplateID, config, result, nullString(n.OriginalNodeID))
	if err != nil {
		return fmt.Errorf("store insert node: %w", err)
	}
	return nil
}

func updateNode(ctx context.Context, tx execer, n *core.Node) error {
	config, err := marshalJSON(n.Config, "node config")
	if err != nil {
		return err
	}
	result, err := marshalJSON(n.Result, "node result")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
UPDATE nodes SET type = ?, name = ?, x = ?, y = ?, width = ?, height = ?,
	template_id = ?, config_json = ?, result_json = ?
WHERE id = ?`,
		string(n.Type), n.Name, n.X, n.Y, n.Width, n.Height, n.TemplateID, config, result, n.ID)
	if err != nil {
		return fmt.Errorf("store update node: %w", err)
	}
	return nil
}

func insertHandle(ctx context.Context, tx execer, h *core.Handle) error {
	dataTypes, err := marshalJSON(h.DataTypes, "handle data types")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO handles (id, node_id, type, data_types, label, required, handle_order, template_handle_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.NodeID, string(h.Type), string(dataTypes), h.Label, boolToInt(h.Required),
		h.Order, nullString(h.TemplateHandleID))
	if err != nil {
		return fmt.Errorf("store insert handle: %w", err)
	}
	return nil
}

func updateHandle(ctx context.Context, tx execer, h *core.Handle) error {
	dataTypes, err := marshalJSON(h.DataTypes, "handle data types")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
UPDATE handles SET type = ?, data_types = ?, label = ?, required = ?, handle_order = ?
WHERE id = ?`,
		string(h.Type), string(dataTypes), h.Label, boolToInt(h.Required), h.Order, h.ID)
	if err != nil {
		return fmt.Errorf("store update handle: %w", err)
	}
	return nil
}

func insertEdge(ctx context.Context, tx execer, e *core.Edge) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO edges (id, canvas_id, source, target, source_handle_id, target_handle_id)
VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.CanvasID, e.Source, e.Target, e.SourceHandleID, e.TargetHandleID)
	if err != nil {
		return fmt.Errorf("store insert edge: %w", err)
	}
	return nil
}

func marshalJSON(v any, what string) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store encode %s: %w", what, err)
	}
	return data, nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTimeString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func scanNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
