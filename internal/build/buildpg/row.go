package buildpg

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/k11v/kiln/internal/build"
)

const buildColumns = `
	build_number, attempt,
	status, message, status_code,
	platform, configuration, options,
	vcordova, previous_vcordova,
	change_list,
	submission_time, update_time
`

type row struct {
	BuildNumber      int       `db:"build_number"`
	Attempt          int       `db:"attempt"`
	Status           string    `db:"status"`
	Message          string    `db:"message"`
	StatusCode       int       `db:"status_code"`
	Platform         string    `db:"platform"`
	Configuration    string    `db:"configuration"`
	Options          string    `db:"options"`
	Vcordova         string    `db:"vcordova"`
	PreviousVcordova string    `db:"previous_vcordova"`
	ChangeList       []byte    `db:"change_list"`
	SubmissionTime   time.Time `db:"submission_time"`
	UpdateTime       time.Time `db:"update_time"`
}

func rowToInfo(collectableRow pgx.CollectableRow) (*build.Info, error) {
	collectedRow, err := pgx.RowToStructByName[row](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to info: %w", err)
	}

	status, known := build.StatusFromString(collectedRow.Status)
	if !known {
		slog.Default().Warn(
			"unknown status encountered while reading build",
			"status", collectedRow.Status,
			"build_number", collectedRow.BuildNumber,
		)
	}

	var changeList *build.ChangeList
	if len(collectedRow.ChangeList) > 0 {
		changeList = new(build.ChangeList)
		if err = json.Unmarshal(collectedRow.ChangeList, changeList); err != nil {
			return nil, fmt.Errorf("row to info: change list: %w", err)
		}
	}

	return &build.Info{
		BuildNumber:      collectedRow.BuildNumber,
		Attempt:          collectedRow.Attempt,
		Status:           status,
		StatusMessage:    collectedRow.Message,
		StatusCode:       collectedRow.StatusCode,
		Platform:         collectedRow.Platform,
		Configuration:    build.Configuration(collectedRow.Configuration),
		Options:          collectedRow.Options,
		Vcordova:         collectedRow.Vcordova,
		PreviousVcordova: collectedRow.PreviousVcordova,
		ChangeList:       changeList,
		SubmissionTime:   collectedRow.SubmissionTime.UTC(),
		UpdateTime:       collectedRow.UpdateTime.UTC(),
	}, nil
}
