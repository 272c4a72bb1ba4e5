// Package errdefs holds the error kinds surfaced to callers of the build
// orchestrator. Contract violations are not represented here: they panic.
package errdefs

import (
	"errors"
	"fmt"
)

// SettingsError reports malformed or inconsistent user-supplied configuration.
type SettingsError struct {
	Message string
}

func (e *SettingsError) Error() string {
	return e.Message
}

// InstallMediaError reports external input media (install ISO, seed archive)
// failing a validation check.
type InstallMediaError struct {
	Message string
}

func (e *InstallMediaError) Error() string {
	return e.Message
}

// RepositoryError reports a repository descriptor that cannot be materialized.
type RepositoryError struct {
	Name    string
	Message string
}

func (e *RepositoryError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("repository %s: %s", e.Name, e.Message)
}

// WorkDirError reports a working directory whose on-disk state fails an
// ownership, type or mode check.
type WorkDirError struct {
	Path    string
	Message string
}

func (e *WorkDirError) Error() string {
	return fmt.Sprintf("work directory %q: %s", e.Path, e.Message)
}

// Settingsf builds a SettingsError.
func Settingsf(format string, args ...any) error {
	return &SettingsError{Message: fmt.Sprintf(format, args...)}
}

// InstallMediaf builds an InstallMediaError.
func InstallMediaf(format string, args ...any) error {
	return &InstallMediaError{Message: fmt.Sprintf(format, args...)}
}

func IsSettings(err error) bool {
	var target *SettingsError
	return errors.As(err, &target)
}

func IsInstallMedia(err error) bool {
	var target *InstallMediaError
	return errors.As(err, &target)
}

func IsRepository(err error) bool {
	var target *RepositoryError
	return errors.As(err, &target)
}

func IsWorkDir(err error) bool {
	var target *WorkDirError
	return errors.As(err, &target)
}
