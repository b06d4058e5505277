package repositories

import "errors"

// ErrNotFound wraps sql.ErrNoRows for clarity.
var ErrNotFound = errors.New("not found")
