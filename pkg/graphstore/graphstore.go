// Package graphstore implements the Graph Store (C2): the kb
// catalog, the node table, and the link/link-mount edge tables
// (spec.md §3.2-§3.3, §4.2).
package graphstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/glenn-edgar/kbcore/internal/dbconn"
	"github.com/glenn-edgar/kbcore/internal/schema"
	"github.com/glenn-edgar/kbcore/pkg/kberrors"
	"github.com/glenn-edgar/kbcore/pkg/models"
	kbpath "github.com/glenn-edgar/kbcore/pkg/path"
	"github.com/glenn-edgar/kbcore/pkg/validation"
)

const uniqueViolation = "23505"
const foreignKeyViolation = "23503"

// Store owns the node table, kb catalog, and link/link-mount edges
// for every kb. It does not read or write job/stream/rpc slot tables
// (spec.md §2: "C2 never writes to C4/C5/C6 slots and vice versa").
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New constructs a Store over db, following the teacher's
// NewXRepository(db, logger) constructor shape.
func New(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// CreateKB inserts name into the kb catalog and provisions its table
// family. Idempotent on name (spec.md §4.2).
func (s *Store) CreateKB(ctx context.Context, name, description string) error {
	const op = "graphstore.create_kb"
	if !kbpath.ValidLabel(name) {
		return kberrors.New(kberrors.InvalidArgument, op, fmt.Errorf("invalid kb name %q", name))
	}

	if err := schema.CreateKBTables(ctx, s.db, name); err != nil {
		return kberrors.New(kberrors.StorageFailure, op, err)
	}

	return dbconn.WithTx(ctx, s.db, op, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s_info (name, description) VALUES ($1, $2)
			             ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description`, name),
			name, description)
		if err != nil {
			return kberrors.New(kberrors.StorageFailure, op, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO kbcore_kb_registry (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
		if err != nil {
			return kberrors.New(kberrors.StorageFailure, op, err)
		}
		return nil
	})
}

// nodeInput carries the struct-tag-validated fields of Store.AddNode:
// label and name are node-catalog tags (spec.md §3.2's "label: node
// type tag" and "name"), each following the same label grammar as a
// path segment.
type nodeInput struct {
	Label string `validate:"required,pathlabel"`
	Name  string `validate:"required,pathlabel"`
}

// linkNameInput carries the struct-tag-validated link_name field
// shared by AddLinkMount and AddLink (spec.md §3.3: "a globally
// unique named label").
type linkNameInput struct {
	LinkName string `validate:"required,pathlabel"`
}

// AddNode inserts a new node. Fails with Conflict if path is already
// used in kb, or NotFound if kb does not exist in the catalog
// (spec.md §4.2, §3.2's (kb, path) uniqueness invariant).
func (s *Store) AddNode(ctx context.Context, kb, label, name string, properties, data json.RawMessage, path string) (*models.Node, error) {
	const op = "graphstore.add_node"
	if ve := validation.ValidateStruct("graph_node", nodeInput{Label: label, Name: name}); ve != nil {
		return nil, kberrors.New(kberrors.InvalidArgument, op, ve)
	}
	if _, err := kbpath.Parse(path); err != nil {
		return nil, kberrors.New(kberrors.InvalidArgument, op, err)
	}
	if properties == nil {
		properties = json.RawMessage(`{}`)
	}
	if data == nil {
		data = json.RawMessage(`{}`)
	}

	var node models.Node
	err := dbconn.WithTx(ctx, s.db, op, func(ctx context.Context, tx *sqlx.Tx) error {
		row := tx.QueryRowxContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (kb, label, name, properties, data, path, has_link, has_link_mount)
			VALUES ($1, $2, $3, $4, $5, $6::ltree, false, false)
			RETURNING id, kb, label, name, properties, data, path::text, has_link, has_link_mount`, kb),
			kb, label, name, []byte(properties), []byte(data), path)
		return row.Scan(&node.ID, &node.KB, &node.Label, &node.Name, &node.Properties, &node.Data, &node.Path, &node.HasLink, &node.HasLinkMount)
	})
	if err != nil {
		return nil, classifyNodeError(op, err)
	}
	return &node, nil
}

func classifyNodeError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return kberrors.New(kberrors.Conflict, op, err)
		case foreignKeyViolation:
			return kberrors.New(kberrors.NotFound, op, err)
		}
	}
	var e *kberrors.Error
	if errors.As(err, &e) {
		return err
	}
	return kberrors.New(kberrors.StorageFailure, op, err)
}

// AddLinkMount inserts a mount row for linkName at (kb, path) and
// sets the mounted node's has_link_mount flag. Fails if kb or the
// node at path is missing, or if linkName is already mounted
// (spec.md §3.3, §4.2).
func (s *Store) AddLinkMount(ctx context.Context, kb, path, linkName, description string) error {
	const op = "graphstore.add_link_mount"
	if _, err := kbpath.Parse(path); err != nil {
		return kberrors.New(kberrors.InvalidArgument, op, err)
	}
	if ve := validation.ValidateStruct("link_mount", linkNameInput{LinkName: linkName}); ve != nil {
		return kberrors.New(kberrors.InvalidArgument, op, ve)
	}

	return dbconn.WithTx(ctx, s.db, op, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET has_link_mount = true WHERE kb = $1 AND path = $2::ltree`, kb), kb, path)
		if err != nil {
			return kberrors.New(kberrors.StorageFailure, op, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return kberrors.New(kberrors.NotFound, op, fmt.Errorf("no node at (%s, %s)", kb, path))
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s_link_mount (link_name, kb, mount_path, description) VALUES ($1, $2, $3::ltree, $4)`, kb),
			linkName, kb, path, description)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return kberrors.New(kberrors.Conflict, op, fmt.Errorf("link_name %q already mounted: %w", linkName, err))
			}
			return kberrors.New(kberrors.StorageFailure, op, err)
		}
		return nil
	})
}

// AddLink inserts a link row naming linkName under (parentKB,
// parentPath) and sets the parent node's has_link flag. Fails if the
// parent node is missing or linkName has no mount (spec.md §3.3,
// §4.2).
func (s *Store) AddLink(ctx context.Context, parentKB, parentPath, linkName string) error {
	const op = "graphstore.add_link"
	if _, err := kbpath.Parse(parentPath); err != nil {
		return kberrors.New(kberrors.InvalidArgument, op, err)
	}
	if ve := validation.ValidateStruct("link", linkNameInput{LinkName: linkName}); ve != nil {
		return kberrors.New(kberrors.InvalidArgument, op, ve)
	}

	return dbconn.WithTx(ctx, s.db, op, func(ctx context.Context, tx *sqlx.Tx) error {
		var mountExists bool
		if err := tx.QueryRowxContext(ctx, fmt.Sprintf(
			`SELECT EXISTS (SELECT 1 FROM %s_link_mount WHERE link_name = $1)`, parentKB), linkName).Scan(&mountExists); err != nil {
			return kberrors.New(kberrors.StorageFailure, op, err)
		}
		if !mountExists {
			return kberrors.New(kberrors.NotFound, op, fmt.Errorf("link_name %q has no mount", linkName))
		}

		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET has_link = true WHERE kb = $1 AND path = $2::ltree`, parentKB), parentKB, parentPath)
		if err != nil {
			return kberrors.New(kberrors.StorageFailure, op, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return kberrors.New(kberrors.NotFound, op, fmt.Errorf("no node at (%s, %s)", parentKB, parentPath))
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s_link (link_name, parent_kb, parent_path) VALUES ($1, $2, $3::ltree)`, parentKB),
			linkName, parentKB, parentPath)
		if err != nil {
			return kberrors.New(kberrors.StorageFailure, op, err)
		}
		return nil
	})
}

// DecodeLinkPath splits a composite link path of the form
// "kb.linkUUID.nodeName.linkUUID.nodeName…" into the leading kb and
// the ordered (linkUUID, name) hops that follow (spec.md §4.2). It
// fails with InvalidArgument on odd arity in the tail, or if any
// linkUUID segment does not parse as a UUID (supplement from
// kb_data_structures.py's decode_link_path).
func DecodeLinkPath(path string) (string, []models.LinkPathSegment, error) {
	const op = "graphstore.decode_link_path"
	labels := strings.Split(path, kbpath.Separator)
	if len(labels) == 0 || labels[0] == "" {
		return "", nil, kberrors.New(kberrors.InvalidArgument, op, fmt.Errorf("empty link path"))
	}

	kb := labels[0]
	tail := labels[1:]
	if len(tail)%2 != 0 {
		return "", nil, kberrors.New(kberrors.InvalidArgument, op,
			fmt.Errorf("link path %q has odd arity after kb element", path))
	}

	segments := make([]models.LinkPathSegment, 0, len(tail)/2)
	for i := 0; i < len(tail); i += 2 {
		linkUUID, name := tail[i], tail[i+1]
		if _, err := uuid.Parse(linkUUID); err != nil {
			return "", nil, kberrors.New(kberrors.InvalidArgument, op,
				fmt.Errorf("link path %q: segment %q is not a valid UUID: %w", path, linkUUID, err))
		}
		segments = append(segments, models.LinkPathSegment{LinkUUID: linkUUID, Name: name})
	}
	return kb, segments, nil
}

// FindDescription returns the "description" property of node.
func FindDescription(node models.Node) (string, error) {
	return node.Description()
}

// FindPathValues renders the Path field of each node, in order.
func FindPathValues(nodes []models.Node) []string {
	return models.PathValues(nodes)
}
