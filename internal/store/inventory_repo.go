package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskfleet/internal/core"
)

const deviceColumns = `d.id, d.name, d.ip_address, d.vendor, d.operating_system, d.os_version, d.description`

// UpsertDevice inserts or updates a device matched by name.
func (s *Store) UpsertDevice(ctx context.Context, d core.Device) error {
	now := nowString()
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO devices (name, ip_address, vendor, operating_system, os_version, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			ip_address = excluded.ip_address,
			vendor = excluded.vendor,
			operating_system = excluded.operating_system,
			os_version = excluded.os_version,
			description = excluded.description,
			updated_at = excluded.updated_at
	`, d.Name, d.IPAddress, d.Vendor, d.OperatingSystem, d.OSVersion, d.Description, now, now)
	if err != nil {
		return fmt.Errorf("upsert device %q: %w", d.Name, err)
	}
	return nil
}

// ListDevices returns every device ordered by name.
func (s *Store) ListDevices(ctx context.Context) ([]core.Device, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices d ORDER BY d.name`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return scanDevices(rows)
}

// GetDevices returns the known devices among names, in the order given. Unknown names are skipped.
func (s *Store) GetDevices(ctx context.Context, names []string) ([]core.Device, error) {
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices d WHERE d.name IN (`+placeholders(len(names))+`)`,
		stringArgs(names)...)
	if err != nil {
		return nil, fmt.Errorf("get devices: %w", err)
	}
	found, err := scanDevices(rows)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]core.Device, len(found))
	for _, d := range found {
		byName[d.Name] = d
	}
	devices := make([]core.Device, 0, len(found))
	for _, name := range names {
		if d, ok := byName[name]; ok {
			devices = append(devices, d)
		}
	}
	return devices, nil
}

// PruneDevices deletes devices whose name is not in keep.
func (s *Store) PruneDevices(ctx context.Context, keep []string) (int64, error) {
	return s.pruneByName(ctx, "devices", keep)
}

// UpsertGroup inserts or updates a group matched by name and replaces its members.
// Member names without a matching device are ignored.
func (s *Store) UpsertGroup(ctx context.Context, g core.Group) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		now := nowString()
		if _, err := s.q(ctx).ExecContext(ctx, `
			INSERT INTO device_groups (name, description, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET
				description = excluded.description,
				updated_at = excluded.updated_at
		`, g.Name, g.Description, now, now); err != nil {
			return fmt.Errorf("upsert group %q: %w", g.Name, err)
		}
		var groupID int64
		if err := s.q(ctx).QueryRowContext(ctx, `SELECT id FROM device_groups WHERE name = ?`, g.Name).Scan(&groupID); err != nil {
			return fmt.Errorf("load group id %q: %w", g.Name, err)
		}
		if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, groupID); err != nil {
			return fmt.Errorf("clear group members %q: %w", g.Name, err)
		}
		if len(g.Members) == 0 {
			return nil
		}
		args := append([]any{groupID}, stringArgs(g.Members)...)
		if _, err := s.q(ctx).ExecContext(ctx, `
			INSERT OR IGNORE INTO group_members (group_id, device_id)
			SELECT ?, id FROM devices WHERE name IN (`+placeholders(len(g.Members))+`)
		`, args...); err != nil {
			return fmt.Errorf("set group members %q: %w", g.Name, err)
		}
		return nil
	})
}

// ListGroups returns every group with its member names.
func (s *Store) ListGroups(ctx context.Context) ([]core.Group, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT g.id, g.name, g.description, d.name
		FROM device_groups g
		LEFT JOIN group_members m ON m.group_id = g.id
		LEFT JOIN devices d ON d.id = m.device_id
		ORDER BY g.name, d.name
	`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()
	var groups []core.Group
	for rows.Next() {
		var (
			g      core.Group
			member sql.NullString
		)
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &member); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		if n := len(groups); n == 0 || groups[n-1].ID != g.ID {
			groups = append(groups, g)
		}
		if member.Valid {
			last := &groups[len(groups)-1]
			last.Members = append(last.Members, member.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groups, nil
}

// ResolveMembers returns the devices currently in the group.
func (s *Store) ResolveMembers(ctx context.Context, group string) ([]core.Device, error) {
	var groupID int64
	err := s.q(ctx).QueryRowContext(ctx, `SELECT id FROM device_groups WHERE name = ?`, group).Scan(&groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load group %q: %w", group, err)
	}
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT `+deviceColumns+`
		FROM devices d
		JOIN group_members m ON m.device_id = d.id
		WHERE m.group_id = ?
		ORDER BY d.name
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("resolve group %q: %w", group, err)
	}
	return scanDevices(rows)
}

// PruneGroups deletes groups whose name is not in keep.
func (s *Store) PruneGroups(ctx context.Context, keep []string) (int64, error) {
	return s.pruneByName(ctx, "device_groups", keep)
}

// UpsertScript inserts or updates a script matched by name.
func (s *Store) UpsertScript(ctx context.Context, sc core.Script) error {
	now := nowString()
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO scripts (name, description, parallel, command, timeout_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			description = excluded.description,
			parallel = excluded.parallel,
			command = excluded.command,
			timeout_seconds = excluded.timeout_seconds,
			updated_at = excluded.updated_at
	`, sc.Name, sc.Description, sc.Parallel, sc.Command, nullableInt(sc.TimeoutSeconds), now, now)
	if err != nil {
		return fmt.Errorf("upsert script %q: %w", sc.Name, err)
	}
	return nil
}

func (s *Store) GetScript(ctx context.Context, name string) (*core.Script, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, name, description, parallel, command, timeout_seconds, created_at, updated_at
		FROM scripts WHERE name = ?
	`, name)
	script, err := scanScript(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrScriptNotFound
		}
		return nil, err
	}
	return script, nil
}

func (s *Store) ListScripts(ctx context.Context) ([]*core.Script, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, name, description, parallel, command, timeout_seconds, created_at, updated_at
		FROM scripts ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	defer rows.Close()
	var scripts []*core.Script
	for rows.Next() {
		script, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, script)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return scripts, nil
}

// PruneScripts deletes scripts whose name is not in keep.
func (s *Store) PruneScripts(ctx context.Context, keep []string) (int64, error) {
	return s.pruneByName(ctx, "scripts", keep)
}

func (s *Store) pruneByName(ctx context.Context, table string, keep []string) (int64, error) {
	query := `DELETE FROM ` + table
	if len(keep) > 0 {
		query += ` WHERE name NOT IN (` + placeholders(len(keep)) + `)`
	}
	res, err := s.q(ctx).ExecContext(ctx, query, stringArgs(keep)...)
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", strings.ReplaceAll(table, "_", " "), err)
	}
	return res.RowsAffected()
}

func scanDevices(rows *sql.Rows) ([]core.Device, error) {
	defer rows.Close()
	var devices []core.Device
	for rows.Next() {
		var d core.Device
		if err := rows.Scan(&d.ID, &d.Name, &d.IPAddress, &d.Vendor, &d.OperatingSystem, &d.OSVersion, &d.Description); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return devices, nil
}

func scanScript(scanner interface {
	Scan(dest ...any) error
}) (*core.Script, error) {
	var (
		script    core.Script
		timeout   sql.NullInt64
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&script.ID, &script.Name, &script.Description, &script.Parallel, &script.Command,
		&timeout, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan script: %w", err)
	}
	if timeout.Valid {
		val := int(timeout.Int64)
		script.TimeoutSeconds = &val
	}
	script.CreatedAt = parseTime(createdAt)
	script.UpdatedAt = parseTime(updatedAt)
	return &script, nil
}
