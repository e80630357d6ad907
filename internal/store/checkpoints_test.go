package store

import (
	"errors"
	"testing"
	"time"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

func TestCheckpointSaveAndLatest(t *testing.T) {
	db := openTestDB(t)

	for i := 1; i <= 3; i++ {
		cp := &models.Checkpoint{
			TaskID:    "task-1",
			Iteration: i,
			State:     `{"iteration":` + string(rune('0'+i)) + `}`,
			CreatedAt: time.Now(),
		}
		if err := db.SaveCheckpoint(cp, nil); err != nil {
			t.Fatalf("save checkpoint %d: %v", i, err)
		}
	}

	latest, err := db.LatestCheckpoint("task-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Iteration != 3 {
		t.Errorf("expected iteration 3, got %d", latest.Iteration)
	}

	all, err := db.ListCheckpoints("task-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 checkpoints, got %d", len(all))
	}
}

func TestCheckpointImmutable(t *testing.T) {
	db := openTestDB(t)

	cp := &models.Checkpoint{TaskID: "task-1", Iteration: 1, State: "{}", CreatedAt: time.Now()}
	if err := db.SaveCheckpoint(cp, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	// A second write at the same (task, iteration) key must be rejected
	// with the sentinel callers classify on.
	dup := &models.Checkpoint{TaskID: "task-1", Iteration: 1, State: `{"other":1}`, CreatedAt: time.Now()}
	if err := db.SaveCheckpoint(dup, nil); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestPurgeTaskDropsCheckpoints(t *testing.T) {
	db := openTestDB(t)

	cp := &models.Checkpoint{TaskID: "task-1", Iteration: 4, State: "{}", CreatedAt: time.Now()}
	if err := db.SaveCheckpoint(cp, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := db.PurgeTask("task-1"); err != nil {
		t.Fatalf("purge: %v", err)
	}

	// A resubmission under the same id must not find stale loop state.
	if _, err := db.LatestCheckpoint("task-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected checkpoints purged, got %v", err)
	}
}

func TestLatestCheckpointNotFound(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.LatestCheckpoint("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
