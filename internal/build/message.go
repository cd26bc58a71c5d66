package build

import (
	"errors"
	"path"
	"strconv"
	"time"
)

// Event is a status change of one build attempt, published by a worker.
type Event struct {
	BuildNumber   int       `json:"buildNumber"`
	Attempt       int       `json:"attempt"`
	Status        Status    `json:"status"`
	StatusMessage string    `json:"message"`
	StatusCode    int       `json:"statusCode"`
	Time          time.Time `json:"time"`

	// ChangeList is set once, when an incremental archive is extracted.
	ChangeList *ChangeList `json:"changeList,omitempty"`
}

// EventOf returns the event describing the current status of info.
func EventOf(info *Info) *Event {
	return &Event{
		BuildNumber:   info.BuildNumber,
		Attempt:       info.Attempt,
		Status:        info.Status,
		StatusMessage: info.StatusMessage,
		StatusCode:    info.StatusCode,
		Time:          info.UpdateTime,
		ChangeList:    info.ChangeList,
	}
}

var ErrObjectNotFound = errors.New("object not found")

// Stored object names of one build attempt.
const (
	ObjectArchive  = "archive.tar.gz"
	ObjectLog      = "build.log"
	ObjectArtifact = "artifact.zip"
	objectFiles    = "files"
)

// Object names a blob stored for one build attempt.
type Object struct {
	BuildNumber int
	Attempt     int
	Name        string
}

// FileObject returns the published project file name of a build attempt.
// name is relative to the build's working directory, for example
// cordovaApp/plugins/ios.json.
func FileObject(buildNumber, attempt int, name string) *Object {
	return &Object{BuildNumber: buildNumber, Attempt: attempt, Name: path.Join(objectFiles, name)}
}

// Key returns the storage key, builds/<n>/<attempt>/<name>.
func (o *Object) Key() string {
	return path.Join("builds", strconv.Itoa(o.BuildNumber), strconv.Itoa(o.Attempt), o.Name)
}
