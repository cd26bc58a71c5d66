package build

import (
	"errors"
	"fmt"
)

var ErrStatusRegression = errors.New("status regression")

// Status represents the build status as a string.
type Status string

const (
	// StatusUploaded indicates that the server received the archive.
	StatusUploaded Status = "uploaded"
	// StatusExtracted indicates that the archive was extracted into the working directory.
	StatusExtracted Status = "extracted"
	// StatusBuilding indicates that a build phase is running.
	StatusBuilding Status = "building"
	// StatusComplete indicates that the build has completed successfully.
	StatusComplete Status = "complete"
	// StatusInvalid indicates that the submission can't be built.
	StatusInvalid Status = "invalid"
	// StatusError indicates that a build phase failed.
	StatusError Status = "error"
	// StatusDownloaded indicates that the client downloaded the device artifact.
	// It is never reported by the server.
	StatusDownloaded Status = "downloaded"
)

var statusRanks = map[Status]int{
	"":               0,
	StatusUploaded:   1,
	StatusExtracted:  2,
	StatusBuilding:   3,
	StatusComplete:   4,
	StatusDownloaded: 5,
}

// StatusFromString converts a string to a Status type and checks if it is a known status.
func StatusFromString(s string) (status Status, known bool) {
	status = Status(s)
	switch status {
	case StatusUploaded, StatusExtracted, StatusBuilding, StatusComplete, StatusInvalid, StatusError, StatusDownloaded:
		return status, true
	default:
		return status, false
	}
}

// IsTerminal reports whether the server will not change the status anymore.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusInvalid || s == StatusError || s == StatusDownloaded
}

// IsFailure reports whether the status is an absorbing failure status.
func (s Status) IsFailure() bool {
	return s == StatusInvalid || s == StatusError
}

// CanTransition reports whether a build may move from one status to another.
// Building may repeat because every phase start reports it.
func CanTransition(from, to Status) bool {
	if from.IsFailure() {
		return false
	}
	if to.IsFailure() {
		return from != StatusComplete && from != StatusDownloaded
	}
	if to == StatusDownloaded {
		return from == StatusComplete
	}
	fromRank, ok := statusRanks[from]
	if !ok {
		return false
	}
	toRank, ok := statusRanks[to]
	if !ok || to == "" {
		return false
	}
	if from == StatusBuilding && to == StatusBuilding {
		return true
	}
	return toRank > fromRank
}

type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %q to %q", ErrStatusRegression, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrStatusRegression
}
