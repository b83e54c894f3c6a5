package model

import "time"

// RunRecord describes one sampling run: a sequence of sub-epochs drawn with
// the same configuration.
type RunRecord struct {
	VersionedRecord
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Mode         string    `json:"mode"`
	SamplingType string    `json:"sampling_type"`
	Categories   []string  `json:"categories"`
	Subjects     int       `json:"subjects"`
	Seed         uint64    `json:"seed"`
}

// SubepochRecord is the ledger entry written after a sub-epoch completes.
type SubepochRecord struct {
	VersionedRecord
	ID             string        `json:"id"`
	RunID          string        `json:"run_id"`
	Index          int           `json:"index"`
	StartedAt      time.Time     `json:"started_at"`
	DurationMillis int64         `json:"duration_millis"`
	Requested      int           `json:"requested"`
	Drawn          int           `json:"drawn"`
	Timeouts       int           `json:"timeouts"`
	Recreations    int           `json:"recreations"`
	BatchBytes     int64         `json:"batch_bytes"`
	Subjects       []SubjectDraw `json:"subjects"`
}

type SubjectDraw struct {
	Subject    int            `json:"subject"`
	Categories []CategoryDraw `json:"categories"`
}

type CategoryDraw struct {
	Category  string `json:"category"`
	Requested int    `json:"requested"`
	Drawn     int    `json:"drawn"`
}
