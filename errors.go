package wcdb

import "errors"

var (
	// ErrUnsupportedStatement indicates a statement shape that cannot be
	// rewritten against a migrating table, such as a multi-row INSERT.
	ErrUnsupportedStatement = errors.New("statement not supported on a migrating table")

	// ErrBindCollision indicates a user bind parameter that would collide with
	// the reserved row-identity parameter.
	ErrBindCollision = errors.New("bind parameter collides with the reserved identity parameter")

	// ErrIdentityConflict indicates a uniqueness violation while relocating a
	// freshly inserted row into the target table. It is the result of a race
	// between two identity assignments; the insert is rolled back.
	ErrIdentityConflict = errors.New("row identity conflict while relocating inserted row")

	// ErrBindingReentered indicates startBinding was called while another
	// statement on the same session was still being analyzed.
	ErrBindingReentered = errors.New("statement binding already in progress")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrStmtClosed is returned by operations on a closed statement.
	ErrStmtClosed = errors.New("statement closed")

	// ErrNoRows is returned by Query on a statement that does not produce rows.
	ErrNoRows = errors.New("statement does not return rows")
)
