// Package engine is the exam attempt engine: attempt lifecycle, authoritative
// countdown, answer persistence, idempotent submission and grading, and the
// fan-out of derived state (rankings, analytics, per-user caches).
package engine

import (
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mind-engage/exam-engine/internal/audit"
	"github.com/mind-engage/exam-engine/internal/entitlement"
	"github.com/mind-engage/exam-engine/internal/exam"
	"github.com/mind-engage/exam-engine/internal/faststore"
	"github.com/mind-engage/exam-engine/internal/grading"
)

const (
	questionCacheTTL = time.Hour
	examCacheTTL     = 30 * time.Minute
	rankingsCacheTTL = 5 * time.Minute
	resultTTL        = 30 * time.Minute
	submitStatusTTL  = 10 * time.Minute
	attemptListTTL   = 5 * time.Minute
)

type Engine struct {
	store   *exam.SQLStore
	cache   *faststore.Client
	locks   *faststore.LockManager
	grader  *grading.Grader
	access  entitlement.Oracle
	audit   *audit.Recorder
	log     *zap.Logger
	nowFunc func() time.Time
}

func New(store *exam.SQLStore, cache *faststore.Client, locks *faststore.LockManager, access entitlement.Oracle, log *zap.Logger) *Engine {
	return &Engine{
		store:   store,
		cache:   cache,
		locks:   locks,
		grader:  grading.NewGrader(),
		access:  access,
		audit:   audit.NewRecorder(store.DB()),
		log:     log,
		nowFunc: time.Now,
	}
}

func (e *Engine) now() time.Time { return e.nowFunc() }

// Store exposes the durable layer for the HTTP surface's read-only queries.
func (e *Engine) Store() *exam.SQLStore { return e.store }

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	// Constraint and not-found failures are permanent; everything else from
	// the durable store is worth one more try.
	return !errors.Is(err, exam.ErrNotFound) &&
		!errors.Is(err, sql.ErrNoRows) &&
		!errors.Is(err, exam.ErrInconsistentQuestion)
}
