package plugin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
)

// FetchFile is the toolchain's record of how plugins were fetched.
const FetchFile = "fetch.json"

type FetchEntry struct {
	Source    json.RawMessage   `json:"source,omitempty"`
	Variables map[string]string `json:"variables"`
}

// FetchRecord maps plugin ids to how they were installed.
type FetchRecord map[string]FetchEntry

// Variables returns the install variables recorded for id, or nil.
func (r FetchRecord) Variables(id string) map[string]string {
	return r[id].Variables
}

// ReadFetchRecord returns the first readable record among names.
// Missing and malformed files are skipped, so the result is never nil.
func ReadFetchRecord(logger *slog.Logger, names ...string) FetchRecord {
	for _, name := range names {
		data, err := os.ReadFile(name)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.Warn("didn't read fetch record", "path", name, "error", err)
			}
			continue
		}
		var r FetchRecord
		if err = json.Unmarshal(data, &r); err != nil {
			logger.Warn("didn't parse fetch record", "path", name, "error", err)
			continue
		}
		if r != nil {
			return r
		}
	}
	return FetchRecord{}
}
