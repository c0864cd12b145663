package partition

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/semioz/rafka/errs"
)

const metadataFileName = "partition.json"

// EpochStart records the first offset written under a leader epoch. The
// history is append-only and ordered by epoch.
type EpochStart struct {
	Epoch       uint32 `json:"epoch"`
	StartOffset uint64 `json:"startOffset"`
}

type metadata struct {
	LeaderEpoch       uint32       `json:"leaderEpoch"`
	EpochStartOffsets []EpochStart `json:"epochStartOffsets"`
}

// saveMetadata writes the partition metadata durably: temp file, fsync,
// rename over the old file, fsync the directory. A crash at any point leaves
// either the old or the new metadata intact, never a torn file.
func saveMetadata(dir string, md metadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return err
	}

	tmp := filepath.Join(dir, metadataFileName+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp, filepath.Join(dir, metadataFileName)); err != nil {
		return err
	}

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// loadMetadata reads the partition metadata file. A missing file is a fresh
// partition and returns the zero value.
func loadMetadata(dir string) (metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return metadata{}, nil
		}
		return metadata{}, err
	}
	var md metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return metadata{}, errs.ErrCorruptMetadata(err)
	}
	return md, nil
}
