package exam

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrForbidden             = errors.New("forbidden")
	ErrValidation            = errors.New("validation failed")
	ErrConflict              = errors.New("conflict")
	ErrExamInactive          = errors.New("exam is not active")
	ErrNoAccess              = errors.New("exam requires access")
	ErrAttemptLimit          = errors.New("attempt limit reached")
	ErrInsufficientQuestions = errors.New("insufficient questions")
	ErrNotInProgress         = errors.New("attempt is not in progress")
	ErrAlreadyProcessing     = errors.New("submission already in progress")
	ErrInconsistentQuestion  = errors.New("question authoring data is inconsistent")
)
