package materialize

import "errors"

// Materialization failure modes. Path traversal is always fatal, never
// best-effort.
var (
	ErrArchiveCorrupt   = errors.New("materialize: archive is not a valid zip")
	ErrPathTraversal    = errors.New("materialize: archive entry escapes target directory")
	ErrCloneFailed      = errors.New("materialize: git clone failed")
	ErrBranchNotFound   = errors.New("materialize: branch not found on remote")
	ErrDirtyWorkingTree = errors.New("materialize: working tree has uncommitted changes")
	ErrInvalidBranch    = errors.New("materialize: branch name contains disallowed characters")
)
