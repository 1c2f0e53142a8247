package stores

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fabriziosalmi/proximity-sub006/pkg/faults"
	"github.com/fabriziosalmi/proximity-sub006/pkg/lifecycle"
)

// setupTestStore creates a migrated file-backed store in a temp directory.
// A file, not :memory:, because the pool opens multiple connections.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testInstance(id, hostname string, status lifecycle.State) *Instance {
	now := time.Now().UTC()
	return &Instance{
		ID:             id,
		TemplateID:     "nginx",
		Hostname:       hostname,
		Status:         status,
		Config:         "{}",
		Env:            "{}",
		CreatedAt:      now,
		UpdatedAt:      now,
		StateChangedAt: now,
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)

	ctx := context.Background()
	tables := []string{"instances", "port_allocations", "deployment_logs", "backups", "jobs"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestInstanceCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst := testInstance("inst-1", "web-1", lifecycle.StateDeploying)
	if err := store.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("failed to create instance: %v", err)
	}

	got, err := store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("failed to get instance: %v", err)
	}
	if got.Hostname != "web-1" || got.Status != lifecycle.StateDeploying {
		t.Errorf("unexpected instance: %+v", got)
	}

	byHost, err := store.GetInstanceByHostname(ctx, "web-1")
	if err != nil {
		t.Fatalf("failed to get instance by hostname: %v", err)
	}
	if byHost.ID != "inst-1" {
		t.Errorf("hostname lookup returned %s, want inst-1", byHost.ID)
	}

	if _, err := store.GetInstance(ctx, "nope"); !faults.IsNotFound(err) {
		t.Errorf("missing instance should be not_found, got %v", err)
	}

	if err := store.DeleteInstance(ctx, "inst-1"); err != nil {
		t.Fatalf("failed to delete instance: %v", err)
	}
	if _, err := store.GetInstance(ctx, "inst-1"); !faults.IsNotFound(err) {
		t.Errorf("deleted instance should be not_found, got %v", err)
	}
}

func TestCreateInstanceDuplicateHostname(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateInstance(ctx, testInstance("inst-1", "web-1", lifecycle.StateDeploying)); err != nil {
		t.Fatalf("failed to create instance: %v", err)
	}

	err := store.CreateInstance(ctx, testInstance("inst-2", "web-1", lifecycle.StateDeploying))
	if !faults.IsConflict(err) {
		t.Errorf("duplicate hostname should be a conflict, got %v", err)
	}
}

func TestListInstancesFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := testInstance("inst-a", "web-a", lifecycle.StateDeploying)
	b := testInstance("inst-b", "web-b", lifecycle.StateDeploying)
	b.TemplateID = "redis"
	for _, inst := range []*Instance{a, b} {
		if err := store.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("failed to create instance: %v", err)
		}
	}

	all, err := store.ListInstances(ctx, InstanceFilter{})
	if err != nil {
		t.Fatalf("failed to list instances: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 instances, got %d", len(all))
	}

	redis, err := store.ListInstances(ctx, InstanceFilter{TemplateID: "redis"})
	if err != nil {
		t.Fatalf("failed to list filtered instances: %v", err)
	}
	if len(redis) != 1 || redis[0].ID != "inst-b" {
		t.Errorf("template filter returned %+v", redis)
	}
}

func TestUpdateInstanceStatusEnforcesTransitions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst := testInstance("inst-1", "web-1", lifecycle.StateDeploying)
	if err := store.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("failed to create instance: %v", err)
	}

	if err := store.UpdateInstanceStatus(ctx, "inst-1", lifecycle.StateRunning); err != nil {
		t.Fatalf("legal transition failed: %v", err)
	}

	// running -> deploying is illegal
	err := store.UpdateInstanceStatus(ctx, "inst-1", lifecycle.StateDeploying)
	if !faults.IsValidation(err) {
		t.Errorf("illegal transition should be a validation fault, got %v", err)
	}

	// same-status update is a no-op
	if err := store.UpdateInstanceStatus(ctx, "inst-1", lifecycle.StateRunning); err != nil {
		t.Errorf("same-status update should be a no-op, got %v", err)
	}

	got, _ := store.GetInstance(ctx, "inst-1")
	if got.Status != lifecycle.StateRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
}

func TestUpdateInstanceStatusBumpsStateChangedAt(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst := testInstance("inst-1", "web-1", lifecycle.StateDeploying)
	inst.StateChangedAt = time.Now().UTC().Add(-time.Hour)
	inst.CreatedAt = inst.StateChangedAt
	inst.UpdatedAt = inst.StateChangedAt
	if err := store.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("failed to create instance: %v", err)
	}

	if err := store.UpdateInstanceStatus(ctx, "inst-1", lifecycle.StateRunning); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	got, _ := store.GetInstance(ctx, "inst-1")
	if !got.StateChangedAt.After(inst.StateChangedAt) {
		t.Error("state_changed_at should move forward on a real transition")
	}
}

func TestTryClaimVMID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, inst := range []*Instance{
		testInstance("inst-1", "web-1", lifecycle.StateDeploying),
		testInstance("inst-2", "web-2", lifecycle.StateDeploying),
	} {
		if err := store.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("failed to create instance: %v", err)
		}
	}

	if err := store.TryClaimVMID(ctx, "inst-1", 101); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	err := store.TryClaimVMID(ctx, "inst-2", 101)
	if !faults.IsConflict(err) {
		t.Errorf("second claim of same vmid should conflict, got %v", err)
	}

	// re-claiming your own vmid is fine
	if err := store.TryClaimVMID(ctx, "inst-1", 101); err != nil {
		t.Errorf("re-claim by owner failed: %v", err)
	}

	ids, err := store.ClaimedVMIDs(ctx)
	if err != nil {
		t.Fatalf("failed to list claimed vmids: %v", err)
	}
	if len(ids) != 1 || ids[0] != 101 {
		t.Errorf("claimed vmids = %v, want [101]", ids)
	}

	if err := store.ClearInstanceVMID(ctx, "inst-1"); err != nil {
		t.Fatalf("failed to clear vmid: %v", err)
	}
	if err := store.TryClaimVMID(ctx, "inst-2", 101); err != nil {
		t.Errorf("claim after release failed: %v", err)
	}
}

func TestAllocatePortPairSequence(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	pub, internal, err := store.AllocatePortPair(ctx, "inst-1", [2]int{30000, 30002}, [2]int{31000, 31002})
	if err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	if pub != 30000 || internal != 31000 {
		t.Errorf("first allocation = (%d, %d), want lowest free (30000, 31000)", pub, internal)
	}

	pub2, internal2, err := store.AllocatePortPair(ctx, "inst-2", [2]int{30000, 30002}, [2]int{31000, 31002})
	if err != nil {
		t.Fatalf("second allocation failed: %v", err)
	}
	if pub2 != 30001 || internal2 != 31001 {
		t.Errorf("second allocation = (%d, %d), want (30001, 31001)", pub2, internal2)
	}
}

func TestAllocatePortPairExhaustion(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, _, err := store.AllocatePortPair(ctx, "inst-1", [2]int{30000, 30000}, [2]int{31000, 31000}); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}

	_, _, err := store.AllocatePortPair(ctx, "inst-2", [2]int{30000, 30000}, [2]int{31000, 31000})
	if !faults.IsExhausted(err) {
		t.Errorf("full range should be exhausted, got %v", err)
	}
}

func TestReleasePortPairIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	pub, _, err := store.AllocatePortPair(ctx, "inst-1", [2]int{30000, 30001}, [2]int{31000, 31001})
	if err != nil {
		t.Fatalf("allocation failed: %v", err)
	}

	if err := store.ReleasePortPair(ctx, pub); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := store.ReleasePortPair(ctx, pub); err != nil {
		t.Errorf("double release should be a no-op, got %v", err)
	}

	// released port is reusable
	pub2, _, err := store.AllocatePortPair(ctx, "inst-2", [2]int{30000, 30001}, [2]int{31000, 31001})
	if err != nil {
		t.Fatalf("re-allocation failed: %v", err)
	}
	if pub2 != pub {
		t.Errorf("re-allocation = %d, want released port %d", pub2, pub)
	}
}

func TestConcurrentPortAllocationsNeverOverlap(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	const n = 20
	results := make(chan [2]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pub, internal, err := store.AllocatePortPair(ctx, "inst", [2]int{30000, 30099}, [2]int{31000, 31099})
			if err != nil {
				t.Errorf("allocation %d failed: %v", i, err)
				return
			}
			results <- [2]int{pub, internal}
		}(i)
	}
	wg.Wait()
	close(results)

	seenPub := map[int]bool{}
	seenInternal := map[int]bool{}
	for pair := range results {
		if seenPub[pair[0]] {
			t.Errorf("public port %d allocated twice", pair[0])
		}
		if seenInternal[pair[1]] {
			t.Errorf("internal port %d allocated twice", pair[1])
		}
		seenPub[pair[0]] = true
		seenInternal[pair[1]] = true
	}
}

func TestDeploymentLogs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, msg := range []string{"first", "second", "third"} {
		entry := &DeploymentLog{
			InstanceID: "inst-1",
			Level:      LogLevelInfo,
			Phase:      "deploy",
			Message:    msg,
		}
		if err := store.AppendDeploymentLog(ctx, entry); err != nil {
			t.Fatalf("failed to append log %d: %v", i, err)
		}
		if entry.ID == 0 {
			t.Error("append should backfill the entry id")
		}
	}

	entries, err := store.ListDeploymentLogs(ctx, "inst-1", 0, 0)
	if err != nil {
		t.Fatalf("failed to list logs: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"first", "second", "third"} {
		if entries[i].Message != want {
			t.Errorf("entry %d = %q, want %q (append order)", i, entries[i].Message, want)
		}
	}
}

func testBackup(id, instanceID string, status BackupStatus) *Backup {
	now := time.Now().UTC()
	return &Backup{
		ID:          id,
		InstanceID:  instanceID,
		VMID:        101,
		Mode:        "snapshot",
		Compression: "zstd",
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestBackupExclusivity(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateBackup(ctx, testBackup("b-1", "inst-1", BackupStatusCreating)); err != nil {
		t.Fatalf("failed to create backup: %v", err)
	}
	if err := store.CreateBackup(ctx, testBackup("b-2", "inst-1", BackupStatusCompleted)); err != nil {
		t.Fatalf("failed to create backup: %v", err)
	}

	// b-1 is active, so b-2 cannot begin an operation
	err := store.BeginBackupOperation(ctx, "b-2", BackupStatusRestoring)
	if !faults.IsConflict(err) {
		t.Errorf("overlapping backup operation should conflict, got %v", err)
	}

	// once b-1 settles, b-2 may proceed
	if err := store.UpdateBackupStatus(ctx, "b-1", BackupStatusCompleted, nil); err != nil {
		t.Fatalf("failed to settle b-1: %v", err)
	}
	if err := store.BeginBackupOperation(ctx, "b-2", BackupStatusRestoring); err != nil {
		t.Errorf("operation after settle failed: %v", err)
	}

	// a stable status is not a valid operation target
	if err := store.BeginBackupOperation(ctx, "b-1", BackupStatusCompleted); !faults.IsValidation(err) {
		t.Errorf("non-active target status should be a validation fault, got %v", err)
	}
}

func TestBackupArtifact(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateBackup(ctx, testBackup("b-1", "inst-1", BackupStatusCreating)); err != nil {
		t.Fatalf("failed to create backup: %v", err)
	}

	if err := store.SetBackupArtifact(ctx, "b-1", "local:backup/vzdump-lxc-101.tar.zst", 12345); err != nil {
		t.Fatalf("failed to set artifact: %v", err)
	}
	if err := store.UpdateBackupStatus(ctx, "b-1", BackupStatusCompleted, nil); err != nil {
		t.Fatalf("failed to complete backup: %v", err)
	}

	got, err := store.GetBackup(ctx, "b-1")
	if err != nil {
		t.Fatalf("failed to get backup: %v", err)
	}
	if got.StorageVolume != "local:backup/vzdump-lxc-101.tar.zst" || got.SizeBytes != 12345 {
		t.Errorf("unexpected artifact: %+v", got)
	}
	if got.Status != BackupStatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func testJob(id, instanceID string, op lifecycle.Operation, nextRunAt time.Time) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          id,
		InstanceID:  instanceID,
		Operation:   op,
		Params:      "{}",
		Status:      JobStatusQueued,
		MaxAttempts: 5,
		NextRunAt:   nextRunAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestClaimNextJobOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.EnqueueJob(ctx, testJob("j-late", "inst-1", lifecycle.OpDeploy, now.Add(-time.Minute))); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := store.EnqueueJob(ctx, testJob("j-early", "inst-2", lifecycle.OpDeploy, now.Add(-time.Hour))); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := store.EnqueueJob(ctx, testJob("j-future", "inst-3", lifecycle.OpDeploy, now.Add(time.Hour))); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	job, err := store.ClaimNextJob(ctx, now)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job == nil || job.ID != "j-early" {
		t.Fatalf("claimed %+v, want j-early (oldest runnable first)", job)
	}
	if job.Status != JobStatusRunning {
		t.Errorf("claimed job status = %s, want running", job.Status)
	}

	job2, err := store.ClaimNextJob(ctx, now)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job2 == nil || job2.ID != "j-late" {
		t.Fatalf("claimed %+v, want j-late", job2)
	}

	// j-future is not runnable yet
	job3, err := store.ClaimNextJob(ctx, now)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job3 != nil {
		t.Errorf("claimed %+v, want nil (queue drained for now)", job3)
	}
}

func TestClaimNextJobSerializesPerInstance(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.EnqueueJob(ctx, testJob("j-1", "inst-1", lifecycle.OpDeploy, now.Add(-2*time.Minute))); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := store.EnqueueJob(ctx, testJob("j-2", "inst-1", lifecycle.OpStop, now.Add(-time.Minute))); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := store.EnqueueJob(ctx, testJob("j-3", "inst-2", lifecycle.OpDeploy, now)); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	first, err := store.ClaimNextJob(ctx, now)
	if err != nil || first == nil || first.ID != "j-1" {
		t.Fatalf("first claim = %+v, %v; want j-1", first, err)
	}

	// inst-1 has a running job, so j-2 is skipped; inst-2 proceeds
	second, err := store.ClaimNextJob(ctx, now)
	if err != nil || second == nil || second.ID != "j-3" {
		t.Fatalf("second claim = %+v, %v; want j-3", second, err)
	}

	third, err := store.ClaimNextJob(ctx, now)
	if err != nil {
		t.Fatalf("third claim failed: %v", err)
	}
	if third != nil {
		t.Fatalf("third claim = %+v, want nil while j-1 runs", third)
	}

	// completing j-1 unblocks j-2
	if err := store.CompleteJob(ctx, "j-1"); err != nil {
		t.Fatalf("failed to complete j-1: %v", err)
	}
	fourth, err := store.ClaimNextJob(ctx, now)
	if err != nil || fourth == nil || fourth.ID != "j-2" {
		t.Fatalf("fourth claim = %+v, %v; want j-2", fourth, err)
	}
}

func TestRescheduleJob(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.EnqueueJob(ctx, testJob("j-1", "inst-1", lifecycle.OpDeploy, now)); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if _, err := store.ClaimNextJob(ctx, now); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	nextRun := now.Add(10 * time.Second)
	if err := store.RescheduleJob(ctx, "j-1", 1, nextRun, "transient boom"); err != nil {
		t.Fatalf("reschedule failed: %v", err)
	}

	// not runnable before its next_run_at
	job, err := store.ClaimNextJob(ctx, now)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job != nil {
		t.Fatalf("claimed %+v before backoff elapsed", job)
	}

	job, err = store.ClaimNextJob(ctx, nextRun.Add(time.Second))
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job == nil || job.Attempt != 1 {
		t.Fatalf("claimed %+v, want j-1 with attempt=1", job)
	}
	if job.Error == nil || *job.Error != "transient boom" {
		t.Errorf("job error = %v, want preserved failure message", job.Error)
	}
}

func TestRequeueOrphanedJobs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.EnqueueJob(ctx, testJob("j-1", "inst-1", lifecycle.OpDeploy, now)); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if _, err := store.ClaimNextJob(ctx, now); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// simulate a crash: the running job is orphaned
	requeued, err := store.RequeueOrphanedJobs(ctx)
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if requeued != 1 {
		t.Errorf("requeued = %d, want 1", requeued)
	}

	job, err := store.ClaimNextJob(ctx, now)
	if err != nil || job == nil || job.ID != "j-1" {
		t.Fatalf("claim after requeue = %+v, %v; want j-1", job, err)
	}
}

func TestFailAndCompleteJob(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.EnqueueJob(ctx, testJob("j-1", "inst-1", lifecycle.OpDeploy, now)); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := store.FailJob(ctx, "j-1", "fatal boom"); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	got, err := store.GetJob(ctx, "j-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != JobStatusFailed || got.Error == nil || *got.Error != "fatal boom" {
		t.Errorf("unexpected failed job: %+v", got)
	}

	running, err := store.HasRunningJob(ctx, "inst-1")
	if err != nil {
		t.Fatalf("has-running failed: %v", err)
	}
	if running {
		t.Error("failed job should not count as running")
	}
}
