package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flagport/flagport/internal/core"
)

const pgUniqueViolation = "23505"

// PostgresStore implements flag, environment, and exposure persistence backed
// by a pgxpool connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a [PostgresStore] on top of an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// ListEnvironments returns all environments ordered by key.
func (s *PostgresStore) ListEnvironments(ctx context.Context) ([]Environment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, key, name, description, created_at
		FROM environments
		ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	environments := make([]Environment, 0)
	for rows.Next() {
		var env Environment
		if err := rows.Scan(&env.ID, &env.Key, &env.Name, &env.Description, &env.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		environments = append(environments, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list environments rows: %w", err)
	}

	return environments, nil
}

// EnvironmentExists reports whether an environment with the given key exists.
func (s *PostgresStore) EnvironmentExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM environments WHERE key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check environment %q: %w", key, err)
	}
	return exists, nil
}

// CreateEnvironment inserts a new environment row. A unique violation on the
// key column maps to ErrDuplicateKey.
func (s *PostgresStore) CreateEnvironment(ctx context.Context, env Environment) (Environment, error) {
	var created Environment
	err := s.pool.QueryRow(ctx, `
		INSERT INTO environments (id, key, name, description)
		VALUES ($1, $2, $3, $4)
		RETURNING id, key, name, description, created_at
	`, uuid.NewString(), env.Key, env.Name, env.Description).Scan(
		&created.ID,
		&created.Key,
		&created.Name,
		&created.Description,
		&created.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Environment{}, fmt.Errorf("create environment %q: %w", env.Key, ErrDuplicateKey)
		}
		return Environment{}, fmt.Errorf("create environment: %w", err)
	}

	return created, nil
}

// DeleteEnvironment removes an environment by id unless a flag state entry or
// targeting rule still references its key.
func (s *PostgresStore) DeleteEnvironment(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete environment tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var key string
	if err := tx.QueryRow(ctx, `SELECT key FROM environments WHERE id = $1`, id).Scan(&key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("delete environment %q: %w", id, ErrNotFound)
		}
		return fmt.Errorf("delete environment: %w", err)
	}

	var inUse bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM flags WHERE jsonb_exists(state, $1))
		    OR EXISTS(SELECT 1 FROM targeting_rules WHERE environment = $1)
	`, key).Scan(&inUse)
	if err != nil {
		return fmt.Errorf("check environment references: %w", err)
	}
	if inUse {
		return fmt.Errorf("delete environment %q: %w", key, ErrEnvironmentInUse)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM environments WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete environment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete environment tx: %w", err)
	}

	return nil
}

// ListFlags returns flags matching filter ordered by key, plus the total
// match count before paging. Rules are loaded for the returned page only.
func (s *PostgresStore) ListFlags(ctx context.Context, filter FlagFilter) ([]FeatureFlag, int, error) {
	where := ``
	args := []any{}
	if filter.Environment != "" {
		where = `WHERE jsonb_exists(state, $1)`
		args = append(args, filter.Environment)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM flags `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count flags: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = total
	}
	pageArgs := append(args, limit, filter.Offset)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, key, name, description, state, tags, created_at, updated_at
		FROM flags %s
		ORDER BY key
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2), pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list flags: %w", err)
	}
	flags, err := scanFlags(rows)
	if err != nil {
		return nil, 0, err
	}

	if err := s.attachRules(ctx, flags); err != nil {
		return nil, 0, err
	}

	return flags, total, nil
}

// ListAllFlags returns every flag with its rules, unpaginated. Evaluation
// must see the complete flag set.
func (s *PostgresStore) ListAllFlags(ctx context.Context) ([]FeatureFlag, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, key, name, description, state, tags, created_at, updated_at
		FROM flags
		ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("list all flags: %w", err)
	}
	flags, err := scanFlags(rows)
	if err != nil {
		return nil, err
	}

	if err := s.attachRules(ctx, flags); err != nil {
		return nil, err
	}

	return flags, nil
}

// GetFlagByID retrieves one flag and its rules.
func (s *PostgresStore) GetFlagByID(ctx context.Context, id string) (FeatureFlag, error) {
	return s.getFlag(ctx, `id = $1`, id)
}

// GetFlagByKey retrieves one flag and its rules by key.
func (s *PostgresStore) GetFlagByKey(ctx context.Context, key string) (FeatureFlag, error) {
	return s.getFlag(ctx, `key = $1`, key)
}

func (s *PostgresStore) getFlag(ctx context.Context, where string, arg any) (FeatureFlag, error) {
	var flag FeatureFlag
	err := s.pool.QueryRow(ctx, `
		SELECT id, key, name, description, state, tags, created_at, updated_at
		FROM flags
		WHERE `+where, arg).Scan(
		&flag.ID,
		&flag.Key,
		&flag.Name,
		&flag.Description,
		&flag.State,
		&flag.Tags,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FeatureFlag{}, fmt.Errorf("get flag %v: %w", arg, ErrNotFound)
		}
		return FeatureFlag{}, fmt.Errorf("get flag: %w", err)
	}

	flags := []FeatureFlag{flag}
	if err := s.attachRules(ctx, flags); err != nil {
		return FeatureFlag{}, err
	}

	return flags[0], nil
}

// CreateFlag inserts a new flag row after validating that every environment
// named in the state map is registered.
func (s *PostgresStore) CreateFlag(ctx context.Context, flag FeatureFlag) (FeatureFlag, error) {
	if err := s.validateStateEnvironments(ctx, flag.State); err != nil {
		return FeatureFlag{}, fmt.Errorf("create flag %q: %w", flag.Key, err)
	}

	if flag.State == nil {
		flag.State = make(map[string]bool)
	}
	if flag.Tags == nil {
		flag.Tags = []string{}
	}

	var created FeatureFlag
	err := s.pool.QueryRow(ctx, `
		INSERT INTO flags (id, key, name, description, state, tags)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, key, name, description, state, tags, created_at, updated_at
	`, uuid.NewString(), flag.Key, flag.Name, flag.Description, flag.State, flag.Tags).Scan(
		&created.ID,
		&created.Key,
		&created.Name,
		&created.Description,
		&created.State,
		&created.Tags,
		&created.CreatedAt,
		&created.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return FeatureFlag{}, fmt.Errorf("create flag %q: %w", flag.Key, ErrDuplicateKey)
		}
		return FeatureFlag{}, fmt.Errorf("create flag: %w", err)
	}

	return created, nil
}

// UpdateFlag applies a partial metadata update and refreshes updated_at.
func (s *PostgresStore) UpdateFlag(ctx context.Context, id string, update FlagUpdate) (FeatureFlag, error) {
	var updated FeatureFlag
	err := s.pool.QueryRow(ctx, `
		UPDATE flags
		SET name = COALESCE($2, name),
		    description = COALESCE($3, description),
		    tags = COALESCE($4, tags),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id, key, name, description, state, tags, created_at, updated_at
	`, id, update.Name, update.Description, update.Tags).Scan(
		&updated.ID,
		&updated.Key,
		&updated.Name,
		&updated.Description,
		&updated.State,
		&updated.Tags,
		&updated.CreatedAt,
		&updated.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FeatureFlag{}, fmt.Errorf("update flag %q: %w", id, ErrNotFound)
		}
		return FeatureFlag{}, fmt.Errorf("update flag: %w", err)
	}

	flags := []FeatureFlag{updated}
	if err := s.attachRules(ctx, flags); err != nil {
		return FeatureFlag{}, err
	}

	return flags[0], nil
}

// UpdateFlagState sets the flag's default state for one environment. The
// environment must be registered; it does not have to appear in the flag's
// state map already.
func (s *PostgresStore) UpdateFlagState(ctx context.Context, id, environment string, enabled bool) (FeatureFlag, error) {
	exists, err := s.EnvironmentExists(ctx, environment)
	if err != nil {
		return FeatureFlag{}, err
	}
	if !exists {
		return FeatureFlag{}, fmt.Errorf("update flag state %q: environment %q: %w", id, environment, ErrInvalidEnvironment)
	}

	var updated FeatureFlag
	err = s.pool.QueryRow(ctx, `
		UPDATE flags
		SET state = state || jsonb_build_object($2::text, $3::boolean),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id, key, name, description, state, tags, created_at, updated_at
	`, id, environment, enabled).Scan(
		&updated.ID,
		&updated.Key,
		&updated.Name,
		&updated.Description,
		&updated.State,
		&updated.Tags,
		&updated.CreatedAt,
		&updated.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FeatureFlag{}, fmt.Errorf("update flag state %q: %w", id, ErrNotFound)
		}
		return FeatureFlag{}, fmt.Errorf("update flag state: %w", err)
	}

	flags := []FeatureFlag{updated}
	if err := s.attachRules(ctx, flags); err != nil {
		return FeatureFlag{}, err
	}

	return flags[0], nil
}

// AddRule appends a targeting rule to the flag's sequence. The position
// column preserves append order so rules are always evaluated oldest first.
func (s *PostgresStore) AddRule(ctx context.Context, flagID string, rule core.Rule) (core.Rule, error) {
	exists, err := s.EnvironmentExists(ctx, rule.Environment)
	if err != nil {
		return core.Rule{}, err
	}
	if !exists {
		return core.Rule{}, fmt.Errorf("add rule to flag %q: environment %q: %w", flagID, rule.Environment, ErrInvalidEnvironment)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return core.Rule{}, fmt.Errorf("begin add rule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the flag row so concurrent appends serialize on position.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM flags WHERE id = $1 FOR UPDATE`, flagID); err != nil {
		return core.Rule{}, fmt.Errorf("lock flag: %w", err)
	}
	var flagExists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM flags WHERE id = $1)`, flagID).Scan(&flagExists); err != nil {
		return core.Rule{}, fmt.Errorf("check flag: %w", err)
	}
	if !flagExists {
		return core.Rule{}, fmt.Errorf("add rule to flag %q: %w", flagID, ErrNotFound)
	}

	var created core.Rule
	err = tx.QueryRow(ctx, `
		INSERT INTO targeting_rules (id, flag_id, type, attribute, operator, match_values, environment, position)
		SELECT $1, $2, $3, $4, $5, $6, $7, COALESCE(MAX(position) + 1, 0)
		FROM targeting_rules WHERE flag_id = $2
		RETURNING id, type, attribute, operator, match_values, environment, created_at
	`, uuid.NewString(), flagID, rule.Type, rule.Attribute, rule.Operator, rule.Values, rule.Environment).Scan(
		&created.ID,
		&created.Type,
		&created.Attribute,
		&created.Operator,
		&created.Values,
		&created.Environment,
		&created.CreatedAt,
	)
	if err != nil {
		return core.Rule{}, fmt.Errorf("insert rule: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE flags SET updated_at = NOW() WHERE id = $1`, flagID); err != nil {
		return core.Rule{}, fmt.Errorf("touch flag: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return core.Rule{}, fmt.Errorf("commit add rule tx: %w", err)
	}

	return created, nil
}

// DeleteRule removes one rule scoped to the given flag.
func (s *PostgresStore) DeleteRule(ctx context.Context, flagID, ruleID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete rule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var flagExists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM flags WHERE id = $1)`, flagID).Scan(&flagExists); err != nil {
		return fmt.Errorf("check flag: %w", err)
	}
	if !flagExists {
		return fmt.Errorf("delete rule from flag %q: %w", flagID, ErrNotFound)
	}

	commandTag, err := tx.Exec(ctx, `DELETE FROM targeting_rules WHERE id = $1 AND flag_id = $2`, ruleID, flagID)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete rule %q: %w", ruleID, ErrNotFound)
	}

	if _, err := tx.Exec(ctx, `UPDATE flags SET updated_at = NOW() WHERE id = $1`, flagID); err != nil {
		return fmt.Errorf("touch flag: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete rule tx: %w", err)
	}

	return nil
}

// DeleteFlag removes a flag. Owned rules go with it via ON DELETE CASCADE.
func (s *PostgresStore) DeleteFlag(ctx context.Context, id string) error {
	commandTag, err := s.pool.Exec(ctx, `DELETE FROM flags WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete flag %q: %w", id, ErrNotFound)
	}

	return nil
}

// RecordExposure inserts one exposure event.
func (s *PostgresStore) RecordExposure(ctx context.Context, exposure Exposure) error {
	if exposure.ID == "" {
		exposure.ID = uuid.NewString()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO exposures (id, flag_key, environment, user_id, client_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, exposure.ID, exposure.FlagKey, exposure.Environment, exposure.UserID, exposure.ClientID, exposure.Timestamp)
	if err != nil {
		return fmt.Errorf("record exposure: %w", err)
	}

	return nil
}

// ExposureDailyCounts returns exposure counts per UTC day for one flag key
// and environment, counting events at or after since.
func (s *PostgresStore) ExposureDailyCounts(ctx context.Context, flagKey, environment string, since time.Time) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT to_char(occurred_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)
		FROM exposures
		WHERE flag_key = $1 AND environment = $2 AND occurred_at >= $3
		GROUP BY day
	`, flagKey, environment, since)
	if err != nil {
		return nil, fmt.Errorf("exposure daily counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var day string
		var count int
		if err := rows.Scan(&day, &count); err != nil {
			return nil, fmt.Errorf("scan exposure count: %w", err)
		}
		counts[day] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("exposure daily counts rows: %w", err)
	}

	return counts, nil
}

func (s *PostgresStore) validateStateEnvironments(ctx context.Context, state map[string]bool) error {
	if len(state) == 0 {
		return nil
	}

	keys := make([]string, 0, len(state))
	for key := range state {
		keys = append(keys, key)
	}

	rows, err := s.pool.Query(ctx, `SELECT key FROM environments WHERE key = ANY($1)`, keys)
	if err != nil {
		return fmt.Errorf("validate environments: %w", err)
	}
	defer rows.Close()

	known := make(map[string]struct{}, len(keys))
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return fmt.Errorf("scan environment key: %w", err)
		}
		known[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("validate environments rows: %w", err)
	}

	for _, key := range keys {
		if _, ok := known[key]; !ok {
			return fmt.Errorf("environment %q: %w", key, ErrInvalidEnvironment)
		}
	}

	return nil
}

// attachRules loads targeting rules for the given flags in one query and
// stitches them onto the matching flag in position order.
func (s *PostgresStore) attachRules(ctx context.Context, flags []FeatureFlag) error {
	if len(flags) == 0 {
		return nil
	}

	ids := make([]string, 0, len(flags))
	index := make(map[string]int, len(flags))
	for i := range flags {
		ids = append(ids, flags[i].ID)
		index[flags[i].ID] = i
		flags[i].Rules = nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT flag_id, id, type, attribute, operator, match_values, environment, created_at
		FROM targeting_rules
		WHERE flag_id = ANY($1)
		ORDER BY flag_id, position
	`, ids)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var flagID string
		var rule core.Rule
		if err := rows.Scan(
			&flagID,
			&rule.ID,
			&rule.Type,
			&rule.Attribute,
			&rule.Operator,
			&rule.Values,
			&rule.Environment,
			&rule.CreatedAt,
		); err != nil {
			return fmt.Errorf("scan rule: %w", err)
		}
		i := index[flagID]
		flags[i].Rules = append(flags[i].Rules, rule)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list rules rows: %w", err)
	}

	return nil
}

// scanFlags drains a flag row set produced by the shared SELECT column list
// (id, key, name, description, state, tags, created_at, updated_at).
func scanFlags(rows pgx.Rows) ([]FeatureFlag, error) {
	defer rows.Close()

	flags := make([]FeatureFlag, 0)
	for rows.Next() {
		var flag FeatureFlag
		if err := rows.Scan(
			&flag.ID,
			&flag.Key,
			&flag.Name,
			&flag.Description,
			&flag.State,
			&flag.Tags,
			&flag.CreatedAt,
			&flag.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		flags = append(flags, flag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
