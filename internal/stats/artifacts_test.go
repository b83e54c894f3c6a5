package stats

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"volseg/internal/model"
)

func sampleRecords() []model.SubepochRecord {
	draw := func(subject, fgReq, fgDrawn, bgReq, bgDrawn int) model.SubjectDraw {
		return model.SubjectDraw{Subject: subject, Categories: []model.CategoryDraw{
			{Category: "foreground", Requested: fgReq, Drawn: fgDrawn},
			{Category: "background", Requested: bgReq, Drawn: bgDrawn},
		}}
	}
	return []model.SubepochRecord{
		{ID: "s0", RunID: "run-123", Index: 0, DurationMillis: 100, Requested: 20, Drawn: 15, BatchBytes: 1000,
			Subjects: []model.SubjectDraw{draw(1, 5, 0, 5, 5), draw(2, 5, 5, 5, 5)}},
		{ID: "s1", RunID: "run-123", Index: 1, DurationMillis: 300, Requested: 20, Drawn: 20, BatchBytes: 3000, Timeouts: 1, Recreations: 1,
			Subjects: []model.SubjectDraw{draw(2, 5, 5, 5, 5), draw(3, 5, 5, 5, 5)}},
	}
}

func TestSummarize(t *testing.T) {
	summary := Summarize("run-123", sampleRecords())
	if summary.Subepochs != 2 || summary.Requested != 40 || summary.Drawn != 35 {
		t.Fatalf("unexpected totals: %+v", summary)
	}
	if summary.Timeouts != 1 || summary.Recreations != 1 {
		t.Fatalf("unexpected pool stats: %+v", summary)
	}
	if summary.DurationMS.Mean != 200 || summary.DurationMS.Min != 100 || summary.DurationMS.Max != 300 {
		t.Fatalf("unexpected duration distribution: %+v", summary.DurationMS)
	}
	if math.Abs(summary.DurationMS.Std-math.Sqrt(20000)) > 1e-9 {
		t.Fatalf("unexpected duration std: %v", summary.DurationMS.Std)
	}
	if len(summary.Categories) != 2 || summary.Categories[0].Category != "foreground" {
		t.Fatalf("unexpected categories: %+v", summary.Categories)
	}
	fg := summary.Categories[0]
	if fg.Requested != 20 || fg.Drawn != 15 || fg.Degenerate != 1 || fg.Shortfall != 0.25 {
		t.Fatalf("unexpected foreground summary: %+v", fg)
	}
	if got := summary.VisitedSubjects(); !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Fatalf("unexpected visited subjects: %v", got)
	}
	if summary.SubjectVisits[2] != 2 {
		t.Fatalf("expected subject 2 visited twice, got %d", summary.SubjectVisits[2])
	}
}

func TestSummarizeEmpty(t *testing.T) {
	summary := Summarize("run-empty", nil)
	if summary.Subepochs != 0 || summary.DurationMS != (Distribution{}) {
		t.Fatalf("unexpected empty summary: %+v", summary)
	}
}

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	run := model.RunRecord{ID: "run-123", Mode: "train", SamplingType: "fore_background", Seed: 9,
		CreatedAt: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	artifacts := NewRunArtifacts(run, sampleRecords())

	runDir, err := WriteRunArtifacts(baseDir, artifacts)
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	for _, file := range artifactFiles {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	exportedDir, err := ExportRunArtifacts(baseDir, run.ID, outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range artifactFiles {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}

	loaded, ok, err := ReadRunArtifacts(outDir, run.ID)
	if err != nil || !ok {
		t.Fatalf("read exported artifacts: ok=%v err=%v", ok, err)
	}
	if loaded.Run.ID != run.ID || len(loaded.Subepochs) != 2 || loaded.Summary.Drawn != 35 {
		t.Fatalf("unexpected artifacts: %+v", loaded)
	}

	series, ok, err := ReadSubepochSeries(baseDir, run.ID)
	if err != nil || !ok {
		t.Fatalf("read series: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(series, []int{15, 20}) {
		t.Fatalf("unexpected series: %v", series)
	}
}

func TestReadRunArtifactsMissing(t *testing.T) {
	_, ok, err := ReadRunArtifacts(t.TempDir(), "nope")
	if err != nil || ok {
		t.Fatalf("expected missing artifacts, ok=%v err=%v", ok, err)
	}
}

func TestRunIndexNewestFirst(t *testing.T) {
	baseDir := t.TempDir()
	entries := []RunIndexEntry{
		{RunID: "a", CreatedAtUTC: "2026-01-01T00:00:00Z"},
		{RunID: "b", CreatedAtUTC: "2026-01-02T00:00:00Z"},
		{RunID: "c", CreatedAtUTC: "2026-01-01T00:00:00Z"},
	}
	for _, e := range entries {
		if err := AppendRunIndex(baseDir, e); err != nil {
			t.Fatalf("append %s: %v", e.RunID, err)
		}
	}
	if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "a", CreatedAtUTC: "2026-01-01T00:00:00Z", Drawn: 7}); err != nil {
		t.Fatalf("replace a: %v", err)
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	var ids []string
	for _, e := range index {
		ids = append(ids, e.RunID)
	}
	if !reflect.DeepEqual(ids, []string{"b", "c", "a"}) {
		t.Fatalf("unexpected index order: %v", ids)
	}
	if index[2].Drawn != 7 {
		t.Fatalf("expected replaced entry, got %+v", index[2])
	}
}
