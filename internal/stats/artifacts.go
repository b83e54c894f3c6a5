package stats

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"volseg/internal/model"
)

const runIndexFile = "run_index.json"

var artifactFiles = []string{"run.json", "subepochs.json", "summary.json", "subepochs.csv", "category_draws.csv"}

type RunArtifacts struct {
	Run       model.RunRecord        `json:"run"`
	Subepochs []model.SubepochRecord `json:"subepochs"`
	Summary   RunSummary             `json:"summary"`
}

type RunIndexEntry struct {
	RunID        string `json:"run_id"`
	Mode         string `json:"mode"`
	SamplingType string `json:"sampling_type"`
	Subepochs    int    `json:"subepochs"`
	Drawn        int    `json:"drawn"`
	Seed         uint64 `json:"seed"`
	CreatedAtUTC string `json:"created_at_utc"`
}

// NewRunArtifacts bundles a run with its ledger and summary.
func NewRunArtifacts(run model.RunRecord, records []model.SubepochRecord) RunArtifacts {
	return RunArtifacts{Run: run, Subepochs: records, Summary: Summarize(run.ID, records)}
}

func (a RunArtifacts) IndexEntry() RunIndexEntry {
	return RunIndexEntry{
		RunID:        a.Run.ID,
		Mode:         a.Run.Mode,
		SamplingType: a.Run.SamplingType,
		Subepochs:    a.Summary.Subepochs,
		Drawn:        a.Summary.Drawn,
		Seed:         a.Run.Seed,
		CreatedAtUTC: a.Run.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Run.ID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Run.ID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "run.json"), artifacts.Run); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "subepochs.json"), artifacts.Subepochs); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "summary.json"), artifacts.Summary); err != nil {
		return "", err
	}
	if err := writeCSV(filepath.Join(runDir, "subepochs.csv"), subepochRows(artifacts.Subepochs)); err != nil {
		return "", err
	}
	if err := writeCSV(filepath.Join(runDir, "category_draws.csv"), categoryRows(artifacts.Subepochs)); err != nil {
		return "", err
	}
	return runDir, nil
}

func ReadRunArtifacts(baseDir, runID string) (RunArtifacts, bool, error) {
	var artifacts RunArtifacts
	for file, target := range map[string]any{
		"run.json":       &artifacts.Run,
		"subepochs.json": &artifacts.Subepochs,
		"summary.json":   &artifacts.Summary,
	} {
		data, err := os.ReadFile(filepath.Join(baseDir, runID, file))
		if err != nil {
			if os.IsNotExist(err) {
				return RunArtifacts{}, false, nil
			}
			return RunArtifacts{}, false, err
		}
		if err := json.Unmarshal(data, target); err != nil {
			return RunArtifacts{}, false, fmt.Errorf("decode %s: %w", file, err)
		}
	}
	return artifacts, true, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	// Later appended entries win ties.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAtUTC > entries[j].CreatedAtUTC
	})
	return entries, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}
	for _, file := range artifactFiles {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

// ReadSubepochSeries reads the drawn count of every sub-epoch back from
// subepochs.csv.
func ReadSubepochSeries(baseDir, runID string) ([]int, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, "subepochs.csv"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return []int{}, true, nil
		}
		return nil, false, err
	}
	drawnCol := -1
	for i, name := range header {
		if name == "drawn" {
			drawnCol = i
		}
	}
	if drawnCol < 0 {
		return nil, false, fmt.Errorf("sub-epoch series has no drawn column")
	}

	var series []int
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, false, err
		}
		value, err := strconv.Atoi(record[drawnCol])
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func subepochRows(records []model.SubepochRecord) [][]string {
	rows := [][]string{{"index", "id", "started_at", "duration_ms", "requested", "drawn", "timeouts", "recreations", "batch_bytes"}}
	for _, r := range records {
		rows = append(rows, []string{
			strconv.Itoa(r.Index),
			r.ID,
			r.StartedAt.UTC().Format(time.RFC3339Nano),
			strconv.FormatInt(r.DurationMillis, 10),
			strconv.Itoa(r.Requested),
			strconv.Itoa(r.Drawn),
			strconv.Itoa(r.Timeouts),
			strconv.Itoa(r.Recreations),
			strconv.FormatInt(r.BatchBytes, 10),
		})
	}
	return rows
}

func categoryRows(records []model.SubepochRecord) [][]string {
	rows := [][]string{{"index", "subject", "category", "requested", "drawn"}}
	for _, r := range records {
		for _, s := range r.Subjects {
			for _, c := range s.Categories {
				rows = append(rows, []string{
					strconv.Itoa(r.Index),
					strconv.Itoa(s.Subject),
					c.Category,
					strconv.Itoa(c.Requested),
					strconv.Itoa(c.Drawn),
				})
			}
		}
	}
	return rows
}

func writeCSV(path string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return file.Sync()
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
