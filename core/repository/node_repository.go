package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/tilde-lab/yascheduler/core/models"
)

// NodeRepository handles database operations for the node registry.
type NodeRepository struct {
	db *DB
}

// NewNodeRepository creates a new node repository.
func NewNodeRepository(db *DB) *NodeRepository {
	return &NodeRepository{db: db}
}

// Add registers a node. Cloud nodes start disabled until provisioned.
func (r *NodeRepository) Add(ctx context.Context, node *models.Node) error {
	var ncpus interface{}
	if node.NCpus > 0 {
		ncpus = node.NCpus
	}
	var cloud interface{}
	if node.Cloud != "" {
		cloud = node.Cloud
	}
	return withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO yascheduler_nodes (ip, ncpus, enabled, cloud, username)
			 VALUES ($1, $2, $3, $4, $5)`,
			node.IP, ncpus, node.Enabled, cloud, node.Username)
		return err
	})
}

// Get retrieves a node by IP; nil when absent.
func (r *NodeRepository) Get(ctx context.Context, ip string) (*models.Node, error) {
	var node *models.Node
	err := withRetry(ctx, func() error {
		row := r.db.QueryRowContext(ctx,
			`SELECT ip, ncpus, enabled, cloud, username
			 FROM yascheduler_nodes WHERE ip=$1`, ip)
		n, err := scanNode(row)
		if errors.Is(err, sql.ErrNoRows) {
			node = nil
			return nil
		}
		node = n
		return err
	})
	return node, err
}

// List retrieves all nodes.
func (r *NodeRepository) List(ctx context.Context) ([]*models.Node, error) {
	return r.query(ctx,
		`SELECT ip, ncpus, enabled, cloud, username
		 FROM yascheduler_nodes ORDER BY ip`)
}

// ListEnabled retrieves nodes eligible for assignment.
func (r *NodeRepository) ListEnabled(ctx context.Context) ([]*models.Node, error) {
	return r.query(ctx,
		`SELECT ip, ncpus, enabled, cloud, username
		 FROM yascheduler_nodes WHERE enabled=TRUE ORDER BY ip`)
}

// ListFree retrieves enabled nodes with no RUNNING task on their IP.
func (r *NodeRepository) ListFree(ctx context.Context) ([]*models.Node, error) {
	return r.query(ctx,
		`SELECT n.ip, n.ncpus, n.enabled, n.cloud, n.username
		 FROM yascheduler_nodes AS n
		 WHERE n.enabled=TRUE AND n.ip NOT IN (
		     SELECT ip FROM yascheduler_tasks
		     WHERE status=$1 AND ip IS NOT NULL)
		 ORDER BY n.ip`,
		models.StatusRunning)
}

// SetEnabled flips the assignment gate.
func (r *NodeRepository) SetEnabled(ctx context.Context, ip string, enabled bool) error {
	return withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx,
			`UPDATE yascheduler_nodes SET enabled=$1 WHERE ip=$2`, enabled, ip)
		return err
	})
}

// SetNCpus records the probed core count.
func (r *NodeRepository) SetNCpus(ctx context.Context, ip string, ncpus int) error {
	return withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx,
			`UPDATE yascheduler_nodes SET ncpus=$1 WHERE ip=$2`, ncpus, ip)
		return err
	})
}

// Remove deregisters a node.
func (r *NodeRepository) Remove(ctx context.Context, ip string) error {
	return withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx,
			`DELETE FROM yascheduler_nodes WHERE ip=$1`, ip)
		return err
	})
}

// CountByCloud returns node counts per provider.
func (r *NodeRepository) CountByCloud(ctx context.Context) (map[string]int, error) {
	var counts map[string]int
	err := withRetry(ctx, func() error {
		rows, err := r.db.QueryContext(ctx,
			`SELECT cloud, COUNT(cloud) FROM yascheduler_nodes
			 WHERE cloud IS NOT NULL GROUP BY cloud`)
		if err != nil {
			return err
		}
		defer rows.Close()
		counts = map[string]int{}
		for rows.Next() {
			var cloud string
			var n int
			if err := rows.Scan(&cloud, &n); err != nil {
				return err
			}
			counts[cloud] = n
		}
		return rows.Err()
	})
	return counts, err
}

// CountByEnabled returns node counts keyed by the enabled flag.
func (r *NodeRepository) CountByEnabled(ctx context.Context) (map[bool]int, error) {
	var counts map[bool]int
	err := withRetry(ctx, func() error {
		rows, err := r.db.QueryContext(ctx,
			`SELECT enabled, COUNT(ip) FROM yascheduler_nodes
			 GROUP BY enabled ORDER BY enabled`)
		if err != nil {
			return err
		}
		defer rows.Close()
		counts = map[bool]int{}
		for rows.Next() {
			var enabled bool
			var n int
			if err := rows.Scan(&enabled, &n); err != nil {
				return err
			}
			counts[enabled] = n
		}
		return rows.Err()
	})
	return counts, err
}

func (r *NodeRepository) query(ctx context.Context, q string, args ...interface{}) ([]*models.Node, error) {
	var nodes []*models.Node
	err := withRetry(ctx, func() error {
		rows, err := r.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		nodes = nil
		for rows.Next() {
			node, err := scanNode(rows)
			if err != nil {
				return err
			}
			nodes = append(nodes, node)
		}
		return rows.Err()
	})
	return nodes, err
}

func scanNode(row rowScanner) (*models.Node, error) {
	var node models.Node
	var ncpus sql.NullInt64
	var cloud sql.NullString
	if err := row.Scan(&node.IP, &ncpus, &node.Enabled, &cloud, &node.Username); err != nil {
		return nil, err
	}
	if ncpus.Valid {
		node.NCpus = int(ncpus.Int64)
	}
	if cloud.Valid {
		node.Cloud = cloud.String
	}
	return &node, nil
}
