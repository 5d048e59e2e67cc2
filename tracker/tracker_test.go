package tracker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"legalner.dev/lnt/train"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func TestMergeRunDocumentAppendsEpochs(t *testing.T) {
	original := []byte(`{"run_id":"r1","status":"started","epochs":[{"epoch":1,"f1_strict":0.4}]}`)

	merged, err := mergeRunDocument(original, func(doc *RunDocument) {
		doc.Status = RunStatusTraining
		doc.Epochs = append(doc.Epochs, train.EpochMetrics{Epoch: 2, Strict: 0.6})
	}, testNow)
	if err != nil {
		t.Fatal(err)
	}

	var doc RunDocument
	if err := json.Unmarshal(merged, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Status != RunStatusTraining {
		t.Fatalf("status = %q, want %q", doc.Status, RunStatusTraining)
	}
	if len(doc.Epochs) != 2 || doc.Epochs[1].Epoch != 2 {
		t.Fatalf("unexpected epoch history: %+v", doc.Epochs)
	}
	if doc.UpdatedAt != "2026-03-14T12:00:00Z" {
		t.Fatalf("updated_at = %q", doc.UpdatedAt)
	}
}

func TestMergeRunDocumentPreservesForeignFields(t *testing.T) {
	// Another tool annotated the run; our update must not clobber it.
	original := []byte(`{"run_id":"r1","status":"started","dashboard_url":"https://runs/r1"}`)

	merged, err := mergeRunDocument(original, func(doc *RunDocument) {
		doc.Best = &BestCheckpoint{StrictF1: 0.8, CheckpointKey: "ckpt/r1/best.json"}
	}, testNow)
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(merged, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["dashboard_url"] != "https://runs/r1" {
		t.Fatalf("foreign field lost: %v", raw)
	}
	best, ok := raw["best"].(map[string]interface{})
	if !ok || best["checkpoint_key"] != "ckpt/r1/best.json" {
		t.Fatalf("best checkpoint missing: %v", raw)
	}
}

func TestMergeRunDocumentStartsFromEmpty(t *testing.T) {
	merged, err := mergeRunDocument([]byte(`{}`), func(doc *RunDocument) {
		doc.RunID = "r2"
		doc.Status = RunStatusStarted
	}, testNow)
	if err != nil {
		t.Fatal(err)
	}

	var doc RunDocument
	if err := json.Unmarshal(merged, &doc); err != nil {
		t.Fatal(err)
	}
	want := RunDocument{RunID: "r2", Status: RunStatusStarted, UpdatedAt: "2026-03-14T12:00:00Z"}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Fatalf("document mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeRunDocumentRejectsCorruptDocument(t *testing.T) {
	if _, err := mergeRunDocument([]byte(`not json`), func(doc *RunDocument) {}, testNow); err == nil {
		t.Fatal("expected error for corrupt document")
	}
}

func TestRunStatusTerminal(t *testing.T) {
	if RunStatusStarted.Terminal() || RunStatusTraining.Terminal() {
		t.Fatal("in-flight statuses must not be terminal")
	}
	if !RunStatusCompleted.Terminal() || !RunStatusFailed.Terminal() {
		t.Fatal("completed and failed must be terminal")
	}
}
