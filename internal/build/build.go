package build

import (
	"time"
)

// Configuration is the native build configuration.
type Configuration string

const (
	ConfigurationDebug   Configuration = "debug"
	ConfigurationRelease Configuration = "release"
)

// ParseConfiguration converts a string to a Configuration and checks if it is known.
func ParseConfiguration(s string) (configuration Configuration, known bool) {
	configuration = Configuration(s)
	switch configuration {
	case ConfigurationDebug, ConfigurationRelease:
		return configuration, true
	default:
		return configuration, false
	}
}

// Status codes of invalid builds.
const (
	CodeRejected = 1

	// CodeWorkspaceGone means the working state an incremental build
	// continues no longer exists. The lineage can only start over.
	CodeWorkspaceGone = 2
)

// OptionDevice is the toolchain option that selects a device (not emulator) build.
const OptionDevice = "--device"

// Info is the state of one build attempt.
// It is created by the client, mutated by the server-side executor
// and only read (as a serialized projection) by the client poller.
type Info struct {
	BuildNumber      int           `json:"buildNumber,omitempty"`
	Attempt          int           `json:"attempt,omitempty"`
	Status           Status        `json:"status,omitempty"`
	StatusMessage    string        `json:"message,omitempty"`
	StatusCode       int           `json:"statusCode,omitempty"`
	Platform         string        `json:"buildPlatform,omitempty"`
	Configuration    Configuration `json:"configuration,omitempty"`
	Options          string        `json:"options,omitempty"`
	Vcordova         string        `json:"vcordova,omitempty"`
	PreviousVcordova string        `json:"previousVcordova,omitempty"`
	ChangeList       *ChangeList   `json:"changeList,omitempty"`
	SubmissionTime   time.Time     `json:"submissionTime"`
	UpdateTime       time.Time     `json:"updateTime"`
}

// IsDevice reports whether the build targets physical hardware.
func (i *Info) IsDevice() bool {
	return i.Options == OptionDevice
}

// IsIncremental reports whether the build continues an existing lineage.
func (i *Info) IsIncremental() bool {
	return i.ChangeList != nil
}

// Update moves the build to status with the given message and code.
// It returns ErrStatusRegression if the move is not allowed.
// Only device builds can be downloaded.
func (i *Info) Update(status Status, message string, code int) error {
	if !CanTransition(i.Status, status) || (status == StatusDownloaded && !i.IsDevice()) {
		return &TransitionError{From: i.Status, To: status}
	}
	i.Status = status
	i.StatusMessage = message
	i.StatusCode = code
	i.UpdateTime = time.Now().UTC()
	return nil
}
