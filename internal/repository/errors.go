package repository

import "errors"

// ErrNotFound is returned (wrapped) by every lookup that matches no row.
var ErrNotFound = errors.New("record not found")
