package entity

import "errors"

var (
	// ErrMissingKey indicates a submission that carries no usable entity key value.
	ErrMissingKey = errors.New("entity: missing key value")
	// ErrDuplicateKey indicates two rows sharing a key value, which corrupts merges.
	ErrDuplicateKey = errors.New("entity: duplicate key value")
	// ErrInvalidTable indicates a table that cannot be used for merging.
	ErrInvalidTable = errors.New("entity: invalid table")
	// ErrInvalidSubmissionTime indicates a submission whose timestamp is absent or unparseable.
	ErrInvalidSubmissionTime = errors.New("entity: invalid submission timestamp")
)
