package site

import "errors"

var (
	// ErrInvalidName is returned when a site name is empty or too long.
	ErrInvalidName = errors.New("site: invalid name")

	// ErrSettingNotFound is returned when a settings key has no row.
	ErrSettingNotFound = errors.New("site: setting not found")
)
