package repo

import "errors"

var (
	// ErrProtectedBranch is returned for writes that target main, or stable
	// outside Promote.
	ErrProtectedBranch = errors.New("protected branch")

	// ErrWrongBranch is returned when a commit is attempted off the working branch.
	ErrWrongBranch = errors.New("not on working branch")

	// ErrNothingToCommit is returned by CommitAll on a clean tree.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrPathEscapesRepo is returned for paths outside the repository.
	ErrPathEscapesRepo = errors.New("path escapes repository")
)
