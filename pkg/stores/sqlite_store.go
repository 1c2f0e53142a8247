package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/fabriziosalmi/proximity-sub006/pkg/faults"
	"github.com/fabriziosalmi/proximity-sub006/pkg/lifecycle"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
// All multi-step mutations run in immediate transactions so concurrent
// check-then-act sequences serialize at the database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// --- Instance operations ---

const instanceColumns = `id, template_id, hostname, status, vmid, node, public_port, internal_port,
	config, env, owner, created_at, updated_at, state_changed_at`

func scanInstance(row interface{ Scan(...any) error }) (*Instance, error) {
	inst := &Instance{}
	err := row.Scan(
		&inst.ID,
		&inst.TemplateID,
		&inst.Hostname,
		&inst.Status,
		&inst.VMID,
		&inst.Node,
		&inst.PublicPort,
		&inst.InternalPort,
		&inst.Config,
		&inst.Env,
		&inst.Owner,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&inst.StateChangedAt,
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// CreateInstance creates a new instance record. The hostname must be unique
// among live instances; a duplicate returns a conflict fault.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *Instance) error {
	if !inst.Status.Valid() {
		return faults.Validation("invalid instance status: "+string(inst.Status), nil)
	}

	query := `
		INSERT INTO instances (` + instanceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		inst.ID,
		inst.TemplateID,
		inst.Hostname,
		inst.Status,
		inst.VMID,
		inst.Node,
		inst.PublicPort,
		inst.InternalPort,
		inst.Config,
		inst.Env,
		inst.Owner,
		inst.CreatedAt,
		inst.UpdatedAt,
		inst.StateChangedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return faults.Conflict("hostname or vmid already in use", err).WithResource(inst.ID)
		}
		return fmt.Errorf("failed to create instance: %w", err)
	}

	return nil
}

// GetInstance retrieves an instance by ID
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE id = ?`

	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("instance not found", nil).WithResource(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	return inst, nil
}

// GetInstanceByHostname retrieves a live instance by hostname.
func (s *SQLiteStore) GetInstanceByHostname(ctx context.Context, hostname string) (*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE hostname = ?`

	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, hostname))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("instance not found", nil).WithResource(hostname)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance by hostname: %w", err)
	}

	return inst, nil
}

// ListInstances lists instances matching the filter.
func (s *SQLiteStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM instances
		WHERE (? = '' OR status = ?)
		  AND (? = '' OR template_id = ?)
		  AND (? = '' OR owner = ?)
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.Status, filter.Status,
		filter.TemplateID, filter.TemplateID,
		filter.Owner, filter.Owner,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	instances := []*Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

// UpdateInstanceStatus moves an instance to a new state after validating the
// transition against the lifecycle state machine. The read and the write share
// one transaction so concurrent transitions on the same instance serialize.
func (s *SQLiteStore) UpdateInstanceStatus(ctx context.Context, id string, status lifecycle.State) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current lifecycle.State
		err := tx.QueryRowContext(ctx, `SELECT status FROM instances WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return faults.NotFound("instance not found", nil).WithResource(id)
		}
		if err != nil {
			return fmt.Errorf("failed to read instance status: %w", err)
		}

		if current == status {
			return nil
		}
		if err := lifecycle.Transition(current, status); err != nil {
			return err
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE instances
			SET status = ?, updated_at = ?, state_changed_at = ?
			WHERE id = ?
		`, status, now, now, id)
		if err != nil {
			return fmt.Errorf("failed to update instance status: %w", err)
		}

		return nil
	})
}

// UpdateInstanceNode records the node an instance was placed on.
func (s *SQLiteStore) UpdateInstanceNode(ctx context.Context, id string, node string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE instances SET node = ?, updated_at = ? WHERE id = ?
	`, node, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update instance node: %w", err)
	}
	return requireRow(result, id)
}

// UpdateInstanceEnv replaces the stored environment blob for an instance.
func (s *SQLiteStore) UpdateInstanceEnv(ctx context.Context, id string, env string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE instances SET env = ?, updated_at = ? WHERE id = ?
	`, env, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update instance env: %w", err)
	}
	return requireRow(result, id)
}

// SetInstancePorts records the allocated port pair on the instance row.
func (s *SQLiteStore) SetInstancePorts(ctx context.Context, id string, publicPort, internalPort int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE instances SET public_port = ?, internal_port = ?, updated_at = ? WHERE id = ?
	`, publicPort, internalPort, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set instance ports: %w", err)
	}
	return requireRow(result, id)
}

// TryClaimVMID records a hypervisor container id on the instance row if no
// other instance holds it. The ledger check and the claim share one immediate
// transaction; a lost race returns a conflict fault.
func (s *SQLiteStore) TryClaimVMID(ctx context.Context, id string, vmid int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var held int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM instances WHERE vmid = ? AND id != ?`, vmid, id,
		).Scan(&held)
		if err != nil {
			return fmt.Errorf("failed to check vmid ledger: %w", err)
		}
		if held > 0 {
			return faults.Conflict(fmt.Sprintf("vmid %d already claimed", vmid), nil).WithResource(id)
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE instances SET vmid = ?, updated_at = ? WHERE id = ?`,
			vmid, time.Now().UTC(), id,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return faults.Conflict(fmt.Sprintf("vmid %d already claimed", vmid), err).WithResource(id)
			}
			return fmt.Errorf("failed to claim vmid: %w", err)
		}
		return requireRow(result, id)
	})
}

// ClearInstanceVMID releases the ledger claim on an instance's container id.
func (s *SQLiteStore) ClearInstanceVMID(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE instances SET vmid = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to clear vmid: %w", err)
	}
	return requireRow(result, id)
}

// ClaimedVMIDs lists every container id currently claimed in the ledger.
func (s *SQLiteStore) ClaimedVMIDs(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT vmid FROM instances WHERE vmid IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list claimed vmids: %w", err)
	}
	defer rows.Close()

	ids := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan vmid: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating vmids: %w", err)
	}

	return ids, nil
}

// DeleteInstance removes the instance record together with its deployment
// logs. Port allocations are released separately by the allocator.
func (s *SQLiteStore) DeleteInstance(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM deployment_logs WHERE instance_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete deployment logs: %w", err)
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete instance: %w", err)
		}
		return requireRow(result, id)
	})
}

// --- Port allocation operations ---

// AllocatePortPair atomically claims the lowest free port in each of the two
// disjoint ranges. The held-set read and the insert share one immediate
// transaction so concurrent allocations never hand out overlapping pairs.
func (s *SQLiteStore) AllocatePortPair(ctx context.Context, instanceID string, publicRange, internalRange [2]int) (int, int, error) {
	var publicPort, internalPort int

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT public_port, internal_port FROM port_allocations`)
		if err != nil {
			return fmt.Errorf("failed to read port allocations: %w", err)
		}
		defer rows.Close()

		heldPublic := map[int]bool{}
		heldInternal := map[int]bool{}
		for rows.Next() {
			var pub, internal int
			if err := rows.Scan(&pub, &internal); err != nil {
				return fmt.Errorf("failed to scan port allocation: %w", err)
			}
			heldPublic[pub] = true
			heldInternal[internal] = true
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating port allocations: %w", err)
		}

		publicPort = lowestFree(heldPublic, publicRange)
		internalPort = lowestFree(heldInternal, internalRange)
		if publicPort == 0 || internalPort == 0 {
			return faults.Exhausted("port ranges exhausted", nil).WithResource(instanceID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO port_allocations (public_port, internal_port, instance_id, allocated_at)
			VALUES (?, ?, ?, ?)
		`, publicPort, internalPort, instanceID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to insert port allocation: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	return publicPort, internalPort, nil
}

// lowestFree returns the lowest port in [r[0], r[1]] not in held, or 0 when
// the range is full.
func lowestFree(held map[int]bool, r [2]int) int {
	for p := r[0]; p <= r[1]; p++ {
		if !held[p] {
			return p
		}
	}
	return 0
}

// ReleasePortPair frees the pair keyed by its public port. Releasing an
// already-free port is a no-op so retries and crash recovery are safe.
func (s *SQLiteStore) ReleasePortPair(ctx context.Context, publicPort int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM port_allocations WHERE public_port = ?`, publicPort)
	if err != nil {
		return fmt.Errorf("failed to release port pair: %w", err)
	}
	return nil
}

// ListPortAllocations lists all held port pairs.
func (s *SQLiteStore) ListPortAllocations(ctx context.Context) ([]*PortAllocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT public_port, internal_port, instance_id, allocated_at
		FROM port_allocations
		ORDER BY public_port ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list port allocations: %w", err)
	}
	defer rows.Close()

	allocations := []*PortAllocation{}
	for rows.Next() {
		alloc := &PortAllocation{}
		err := rows.Scan(&alloc.PublicPort, &alloc.InternalPort, &alloc.InstanceID, &alloc.AllocatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan port allocation: %w", err)
		}
		allocations = append(allocations, alloc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating port allocations: %w", err)
	}

	return allocations, nil
}

// ReleasePortsForInstance frees every pair held by an instance. Idempotent.
func (s *SQLiteStore) ReleasePortsForInstance(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM port_allocations WHERE instance_id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("failed to release instance ports: %w", err)
	}
	return nil
}

// --- Deployment log operations ---

// AppendDeploymentLog appends a log entry. Entries are never mutated.
func (s *SQLiteStore) AppendDeploymentLog(ctx context.Context, entry *DeploymentLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_logs (instance_id, level, phase, message, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, entry.InstanceID, entry.Level, entry.Phase, entry.Message, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append deployment log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get log entry ID: %w", err)
	}
	entry.ID = id
	return nil
}

// ListDeploymentLogs retrieves log entries for an instance in append order.
func (s *SQLiteStore) ListDeploymentLogs(ctx context.Context, instanceID string, limit, offset int) ([]*DeploymentLog, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, level, phase, message, timestamp
		FROM deployment_logs
		WHERE instance_id = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`, instanceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployment logs: %w", err)
	}
	defer rows.Close()

	entries := []*DeploymentLog{}
	for rows.Next() {
		entry := &DeploymentLog{}
		err := rows.Scan(&entry.ID, &entry.InstanceID, &entry.Level, &entry.Phase, &entry.Message, &entry.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment log: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployment logs: %w", err)
	}

	return entries, nil
}

// --- Backup operations ---

// CreateBackup creates a new backup record.
func (s *SQLiteStore) CreateBackup(ctx context.Context, b *Backup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backups (id, instance_id, vmid, storage_volume, size_bytes, mode, compression, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID, b.InstanceID, b.VMID, b.StorageVolume, b.SizeBytes,
		b.Mode, b.Compression, b.Status, b.Error, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}
	return nil
}

// GetBackup retrieves a backup by ID
func (s *SQLiteStore) GetBackup(ctx context.Context, id string) (*Backup, error) {
	b := &Backup{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, instance_id, vmid, storage_volume, size_bytes, mode, compression, status, error, created_at, updated_at
		FROM backups WHERE id = ?
	`, id).Scan(
		&b.ID, &b.InstanceID, &b.VMID, &b.StorageVolume, &b.SizeBytes,
		&b.Mode, &b.Compression, &b.Status, &b.Error, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("backup not found", nil).WithResource(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get backup: %w", err)
	}
	return b, nil
}

// ListBackupsByInstance lists all backups for an instance.
func (s *SQLiteStore) ListBackupsByInstance(ctx context.Context, instanceID string) ([]*Backup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, vmid, storage_volume, size_bytes, mode, compression, status, error, created_at, updated_at
		FROM backups
		WHERE instance_id = ?
		ORDER BY created_at DESC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	backups := []*Backup{}
	for rows.Next() {
		b := &Backup{}
		err := rows.Scan(
			&b.ID, &b.InstanceID, &b.VMID, &b.StorageVolume, &b.SizeBytes,
			&b.Mode, &b.Compression, &b.Status, &b.Error, &b.CreatedAt, &b.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backup: %w", err)
		}
		backups = append(backups, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backups: %w", err)
	}

	return backups, nil
}

// BeginBackupOperation transitions a backup into an active status after
// verifying no other backup of the same instance is active. The check and the
// write share one immediate transaction.
func (s *SQLiteStore) BeginBackupOperation(ctx context.Context, id string, status BackupStatus) error {
	if !status.Active() {
		return faults.Validation("not an active backup status: "+string(status), nil)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var instanceID string
		err := tx.QueryRowContext(ctx, `SELECT instance_id FROM backups WHERE id = ?`, id).Scan(&instanceID)
		if errors.Is(err, sql.ErrNoRows) {
			return faults.NotFound("backup not found", nil).WithResource(id)
		}
		if err != nil {
			return fmt.Errorf("failed to read backup: %w", err)
		}

		var active int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM backups
			WHERE instance_id = ? AND id != ? AND status IN (?, ?, ?)
		`, instanceID, id, BackupStatusCreating, BackupStatusRestoring, BackupStatusDeleting).Scan(&active)
		if err != nil {
			return fmt.Errorf("failed to count active backups: %w", err)
		}
		if active > 0 {
			return faults.Conflict("another backup operation is active for this instance", nil).WithResource(instanceID)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE backups SET status = ?, error = NULL, updated_at = ? WHERE id = ?
		`, status, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to update backup status: %w", err)
		}
		return nil
	})
}

// UpdateBackupStatus sets the backup status, recording an error message for
// failures so retries are not permanently blocked.
func (s *SQLiteStore) UpdateBackupStatus(ctx context.Context, id string, status BackupStatus, errMsg *string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE backups SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update backup status: %w", err)
	}
	return requireRow(result, id)
}

// SetBackupArtifact records the storage volume and size of a completed backup.
func (s *SQLiteStore) SetBackupArtifact(ctx context.Context, id string, storageVolume string, sizeBytes int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE backups SET storage_volume = ?, size_bytes = ?, updated_at = ? WHERE id = ?
	`, storageVolume, sizeBytes, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set backup artifact: %w", err)
	}
	return requireRow(result, id)
}

// DeleteBackup removes a backup record.
func (s *SQLiteStore) DeleteBackup(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete backup: %w", err)
	}
	return requireRow(result, id)
}

// --- Job queue operations ---

const jobColumns = `id, instance_id, operation, params, status, attempt, max_attempts, next_run_at, error, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	job := &Job{}
	err := row.Scan(
		&job.ID,
		&job.InstanceID,
		&job.Operation,
		&job.Params,
		&job.Status,
		&job.Attempt,
		&job.MaxAttempts,
		&job.NextRunAt,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// EnqueueJob appends a job to the durable queue.
func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID, job.InstanceID, job.Operation, job.Params, job.Status,
		job.Attempt, job.MaxAttempts, job.NextRunAt, job.Error, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("job not found", nil).WithResource(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ClaimNextJob atomically claims the oldest runnable queued job and marks it
// running. Jobs whose instance already has a running job are skipped, which
// serializes operations per instance while letting different instances
// proceed in parallel. Returns (nil, nil) when the queue is empty.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context, now time.Time) (*Job, error) {
	var claimed *Job

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := scanJob(tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+`
			FROM jobs j
			WHERE j.status = ? AND j.next_run_at <= ?
			  AND NOT EXISTS (
				SELECT 1 FROM jobs r
				WHERE r.instance_id = j.instance_id AND r.status = ?
			  )
			ORDER BY j.next_run_at ASC, j.created_at ASC
			LIMIT 1
		`, JobStatusQueued, now, JobStatusRunning))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select next job: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?
		`, JobStatusRunning, now.UTC(), job.ID)
		if err != nil {
			return fmt.Errorf("failed to mark job running: %w", err)
		}

		job.Status = JobStatusRunning
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// RescheduleJob returns a running job to the queue for a later attempt.
func (s *SQLiteStore) RescheduleJob(ctx context.Context, id string, attempt int, nextRunAt time.Time, errMsg string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempt = ?, next_run_at = ?, error = ?, updated_at = ? WHERE id = ?
	`, JobStatusQueued, attempt, nextRunAt, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return requireRow(result, id)
}

// CompleteJob marks a job completed.
func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = NULL, updated_at = ? WHERE id = ?
	`, JobStatusCompleted, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return requireRow(result, id)
}

// FailJob marks a job failed with a terminal error message.
func (s *SQLiteStore) FailJob(ctx context.Context, id string, errMsg string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, JobStatusFailed, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return requireRow(result, id)
}

// HasRunningJob reports whether an instance has a job currently running.
func (s *SQLiteStore) HasRunningJob(ctx context.Context, instanceID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE instance_id = ? AND status = ?`,
		instanceID, JobStatusRunning,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count running jobs: %w", err)
	}
	return count > 0, nil
}

// RequeueOrphanedJobs returns jobs stuck in running back to the queue. Called
// once at startup to recover from a crashed worker process.
func (s *SQLiteStore) RequeueOrphanedJobs(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?
	`, JobStatusQueued, time.Now().UTC(), JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue orphaned jobs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// ListJobsByInstance lists all jobs for an instance, newest first.
func (s *SQLiteStore) ListJobsByInstance(ctx context.Context, instanceID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE instance_id = ? ORDER BY created_at DESC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

// --- helpers ---

// requireRow converts a zero-row update into a not-found fault.
func requireRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return faults.NotFound("record not found", nil).WithResource(id)
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
