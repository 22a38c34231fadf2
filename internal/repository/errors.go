package repository

import "errors"

// ErrNotFound is returned when a project, deployment, or domain row does not
// exist. Callers map it to a 404 or, in the deploy pipeline, to a failed
// attempt precondition; it never wraps driver-level errors.
var ErrNotFound = errors.New("repository: not found")
