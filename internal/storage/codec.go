package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"volseg/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeSubepoch(r model.SubepochRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeSubepoch(data []byte) (model.SubepochRecord, error) {
	var record model.SubepochRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.SubepochRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.SubepochRecord{}, err
	}
	return record, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("%w: schema %d codec %d", ErrVersionMismatch, v.SchemaVersion, v.CodecVersion)
	}
	return nil
}
