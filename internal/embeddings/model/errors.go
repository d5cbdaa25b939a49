package model

import "errors"

var (
	// ErrConfiguration reports an invalid Config. It is only returned at load time.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrWeightLoad reports a checkpoint that cannot serve the model. It wraps
	// the provider error of the canonical lookup.
	ErrWeightLoad = errors.New("weight load failed")
	// ErrShape reports malformed forward inputs.
	ErrShape = errors.New("shape error")
	// ErrIndex reports a token id, type id or sequence length outside the
	// configured range.
	ErrIndex = errors.New("index out of range")
	// ErrNoPooler is returned by Pool when the checkpoint had no pooler head.
	ErrNoPooler = errors.New("model has no pooler")
)
