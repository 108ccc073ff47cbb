// Package bunmirror mirrors committed state into PostgreSQL through the
// Bun ORM. The tables are derived state for dashboards and ad-hoc SQL;
// the consensus log remains the only source of truth.
package bunmirror

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/uptrace/bun"

	"github.com/musterhq/muster"
	"github.com/musterhq/muster/projection"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ projection.Mirror = (*Mirror)(nil)

// Mirror is the PostgreSQL projection backend. The caller owns the
// *bun.DB lifecycle; Mirror never closes it.
type Mirror struct {
	db     *bun.DB
	logger *slog.Logger
}

// Option configures the Mirror.
type Option func(*Mirror)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mirror) { m.logger = logger }
}

// New creates a Bun-backed mirror.
func New(db *bun.DB, opts ...Option) *Mirror {
	m := &Mirror{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Migrate runs all embedded SQL migration files in order.
func (m *Mirror) Migrate(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS muster_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("projection/bun: create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("projection/bun: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var applied bool
		err = m.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM muster_migrations WHERE filename = ?)`,
			entry.Name(),
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("projection/bun: check migration %s: %w", entry.Name(), err)
		}
		if applied {
			continue
		}

		data, readErr := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if readErr != nil {
			return fmt.Errorf("projection/bun: read migration %s: %w", entry.Name(), readErr)
		}
		if _, execErr := m.db.ExecContext(ctx, string(data)); execErr != nil {
			return fmt.Errorf("projection/bun: execute migration %s: %w", entry.Name(), execErr)
		}
		if _, recErr := m.db.ExecContext(ctx,
			`INSERT INTO muster_migrations (filename) VALUES (?)`,
			entry.Name(),
		); recErr != nil {
			return fmt.Errorf("projection/bun: record migration %s: %w", entry.Name(), recErr)
		}

		m.logger.Info("applied migration", slog.String("file", entry.Name()))
	}
	return nil
}

// Ping checks database connectivity.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// MirrorSessions upserts sessions by id.
func (m *Mirror) MirrorSessions(ctx context.Context, sessions []muster.Session) error {
	models := make([]sessionModel, 0, len(sessions))
	for i := range sessions {
		models = append(models, toSessionModel(&sessions[i]))
	}

	_, err := m.db.NewInsert().Model(&models).
		On("CONFLICT (id) DO UPDATE").
		Set("tier = EXCLUDED.tier").
		Set("status = EXCLUDED.status").
		Set("last_heartbeat_at = EXCLUDED.last_heartbeat_at").
		Set("consecutive_failures = EXCLUDED.consecutive_failures").
		Set("max_concurrent_tasks = EXCLUDED.max_concurrent_tasks").
		Set("current_task_count = EXCLUDED.current_task_count").
		Set("group_id = EXCLUDED.group_id").
		Set("affinity_labels = EXCLUDED.affinity_labels").
		Set("window_start_hour = EXCLUDED.window_start_hour").
		Set("window_end_hour = EXCLUDED.window_end_hour").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("projection/bun: mirror sessions: %w", err)
	}
	return nil
}

// MirrorTasks upserts tasks by idempotency key.
func (m *Mirror) MirrorTasks(ctx context.Context, tasks []muster.Task) error {
	models := make([]taskModel, 0, len(tasks))
	for i := range tasks {
		models = append(models, toTaskModel(&tasks[i]))
	}

	_, err := m.db.NewInsert().Model(&models).
		On("CONFLICT (idempotency_key) DO UPDATE").
		Set("priority = EXCLUDED.priority").
		Set("payload_ref = EXCLUDED.payload_ref").
		Set("state = EXCLUDED.state").
		Set("assigned_session_id = EXCLUDED.assigned_session_id").
		Set("claim_expires_at = EXCLUDED.claim_expires_at").
		Set("next_eligible_at = EXCLUDED.next_eligible_at").
		Set("attempt_count = EXCLUDED.attempt_count").
		Set("max_attempts = EXCLUDED.max_attempts").
		Set("result_ref = EXCLUDED.result_ref").
		Set("last_error = EXCLUDED.last_error").
		Set("group_id = EXCLUDED.group_id").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("projection/bun: mirror tasks: %w", err)
	}
	return nil
}

// MirrorLocks upserts locks by name.
func (m *Mirror) MirrorLocks(ctx context.Context, locks []muster.Lock) error {
	models := make([]lockModel, 0, len(locks))
	for i := range locks {
		models = append(models, toLockModel(&locks[i]))
	}

	_, err := m.db.NewInsert().Model(&models).
		On("CONFLICT (name) DO UPDATE").
		Set("holder = EXCLUDED.holder").
		Set("acquired_at = EXCLUDED.acquired_at").
		Set("expires_at = EXCLUDED.expires_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("projection/bun: mirror locks: %w", err)
	}
	return nil
}

// MirrorGroups upserts groups by id.
func (m *Mirror) MirrorGroups(ctx context.Context, groups []muster.Group) error {
	models := make([]groupModel, 0, len(groups))
	for i := range groups {
		models = append(models, toGroupModel(&groups[i]))
	}

	_, err := m.db.NewInsert().Model(&models).
		On("CONFLICT (id) DO UPDATE").
		Set("label = EXCLUDED.label").
		Set("priority = EXCLUDED.priority").
		Set("completed_count = EXCLUDED.completed_count").
		Set("failed_count = EXCLUDED.failed_count").
		Set("labels = EXCLUDED.labels").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("projection/bun: mirror groups: %w", err)
	}
	return nil
}

// RemoveLocks deletes released locks by name.
func (m *Mirror) RemoveLocks(ctx context.Context, names []string) error {
	_, err := m.db.NewDelete().
		Model((*lockModel)(nil)).
		Where("name IN (?)", bun.In(names)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("projection/bun: remove locks: %w", err)
	}
	return nil
}

// Close is a no-op because the caller owns the *bun.DB lifecycle.
func (m *Mirror) Close() error {
	return nil
}
