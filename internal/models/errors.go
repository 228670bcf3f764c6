package models

import "errors"

// ErrNotFound is returned by stores when a job or record does not exist.
var ErrNotFound = errors.New("not found")
