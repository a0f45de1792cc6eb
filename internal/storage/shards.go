package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flotillahq/flotilla/internal/registry"
)

const shardColumns = `id, domain, kind, secret, paired, is_up, last_heartbeat,
	space_total, space_free, memory_total, memory_free, cpu_use, bw_in, bw_out,
	node_name, lat, lng`

// CreateShard inserts a paired shard record.
func (d *DB) CreateShard(s *registry.Shard) error {
	_, err := d.db.Exec(
		`INSERT INTO shards (id, domain, kind, secret, paired, is_up, last_heartbeat,
		 space_total, space_free, memory_total, memory_free, cpu_use, bw_in, bw_out,
		 node_name, lat, lng, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Domain, string(s.Kind), s.Secret, boolToInt(s.Paired), boolToInt(s.IsUp),
		nullHeartbeat(s.LastHeartbeat), s.SpaceTotal, s.SpaceFree, s.MemoryTotal,
		s.MemoryFree, s.CPUUse, s.BwIn, s.BwOut, s.NodeName, s.Lat, s.Lng,
		time.Now().Unix(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("create shard: shard %s already paired", s.ID)
	}
	if err != nil {
		return fmt.Errorf("create shard: %w", err)
	}
	return nil
}

// ListShards returns every shard record, for registry boot.
func (d *DB) ListShards() ([]*registry.Shard, error) {
	rows, err := d.db.Query(`SELECT ` + shardColumns + ` FROM shards ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	defer rows.Close()

	var shards []*registry.Shard
	for rows.Next() {
		s, err := scanShard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan shard: %w", err)
		}
		shards = append(shards, s)
	}
	return shards, rows.Err()
}

// GetShard retrieves a shard row by ID.
func (d *DB) GetShard(id string) (*registry.Shard, error) {
	row := d.db.QueryRow(`SELECT `+shardColumns+` FROM shards WHERE id = ?`, id)
	s, err := scanShard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get shard %s: %w", id, registry.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get shard: %w", err)
	}
	return s, nil
}

// SaveShardState persists liveness and capacity after a heartbeat. Best
// effort: the in-memory registry is authoritative between restarts.
func (d *DB) SaveShardState(s *registry.Shard) error {
	_, err := d.db.Exec(
		`UPDATE shards SET is_up = ?, last_heartbeat = ?, space_total = ?, space_free = ?,
		 memory_total = ?, memory_free = ?, cpu_use = ?, bw_in = ?, bw_out = ?, node_name = ?
		 WHERE id = ?`,
		boolToInt(s.IsUp), nullHeartbeat(s.LastHeartbeat), s.SpaceTotal, s.SpaceFree,
		s.MemoryTotal, s.MemoryFree, s.CPUUse, s.BwIn, s.BwOut, s.NodeName, s.ID,
	)
	if err != nil {
		return fmt.Errorf("save shard state: %w", err)
	}
	return nil
}

func scanShard(row rowScanner) (*registry.Shard, error) {
	var (
		s             registry.Shard
		kind          string
		paired, isUp  int
		lastHeartbeat sql.NullInt64
		nodeName      sql.NullString
		lat, lng      sql.NullFloat64
	)
	err := row.Scan(
		&s.ID, &s.Domain, &kind, &s.Secret, &paired, &isUp, &lastHeartbeat,
		&s.SpaceTotal, &s.SpaceFree, &s.MemoryTotal, &s.MemoryFree, &s.CPUUse,
		&s.BwIn, &s.BwOut, &nodeName, &lat, &lng,
	)
	if err != nil {
		return nil, err
	}
	s.Kind = registry.Kind(kind)
	s.Paired = paired != 0
	s.IsUp = isUp != 0
	if lastHeartbeat.Valid {
		s.LastHeartbeat = time.Unix(lastHeartbeat.Int64, 0)
	}
	if nodeName.Valid {
		s.NodeName = nodeName.String
	}
	if lat.Valid {
		s.Lat = &lat.Float64
	}
	if lng.Valid {
		s.Lng = &lng.Float64
	}
	return &s, nil
}

func nullHeartbeat(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
