package engine

import (
	"context"
	"math"

	"github.com/mind-engage/exam-engine/internal/exam"
	"github.com/mind-engage/exam-engine/internal/faststore"
)

// RankingEntry is one row of an exam's leaderboard.
type RankingEntry struct {
	AttemptID  string  `json:"attemptId"`
	UserID     string  `json:"userId"`
	FinalScore float64 `json:"finalScore"`
	Rank       int     `json:"rank"`
	Percentile float64 `json:"percentile"`
	EndTime    int64   `json:"endTime"`
}

// denseRank assigns ranks over attempts already ordered by score descending,
// endTime ascending. Ranks tie iff scores tie and no rank is skipped.
func denseRank(attempts []exam.Attempt) []RankingEntry {
	out := make([]RankingEntry, 0, len(attempts))
	n := len(attempts)
	rank := 0
	var prevScore float64
	for i, a := range attempts {
		if i == 0 || a.FinalScore != prevScore {
			rank++
			prevScore = a.FinalScore
		}
		percentile := float64(n-rank) / float64(n) * 100
		percentile = math.Round(percentile*100) / 100
		entry := RankingEntry{
			AttemptID:  a.ID,
			UserID:     a.UserID,
			FinalScore: a.FinalScore,
			Rank:       rank,
			Percentile: percentile,
		}
		if a.EndTime != nil {
			entry.EndTime = a.EndTime.UnixMilli()
		}
		out = append(out, entry)
	}
	return out
}

// CalculateRankings recomputes dense ranks and percentiles for every
// completed attempt of the exam, persists them, and drops the cached list.
func (e *Engine) CalculateRankings(ctx context.Context, examID string) ([]RankingEntry, error) {
	if _, err := e.store.GetExam(ctx, examID); err != nil {
		return nil, err
	}
	attempts, err := e.store.CompletedByExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	entries := denseRank(attempts)
	ranks := make(map[string][2]float64, len(entries))
	for _, en := range entries {
		ranks[en.AttemptID] = [2]float64{float64(en.Rank), en.Percentile}
	}
	if err := e.store.WriteRanks(ctx, ranks); err != nil {
		return nil, err
	}
	e.cache.Delete(ctx, faststore.RankingsKey(examID))
	return entries, nil
}

// RankingsPage is the candidate-facing leaderboard slice.
type RankingsPage struct {
	ExamID  string         `json:"examId"`
	Total   int            `json:"total"`
	Entries []RankingEntry `json:"entries"`
	Me      *RankingEntry  `json:"me,omitempty"`
}

// Rankings serves the top-N list from cache when possible, plus the caller's
// own row when identifiable.
func (e *Engine) Rankings(ctx context.Context, examID, userID string, limit int) (RankingsPage, bool, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var all []RankingEntry
	fromCache := e.cache.GetJSON(ctx, faststore.RankingsKey(examID), &all)
	if !fromCache {
		if _, err := e.store.GetExam(ctx, examID); err != nil {
			return RankingsPage{}, false, err
		}
		attempts, err := e.store.CompletedByExam(ctx, examID)
		if err != nil {
			return RankingsPage{}, false, err
		}
		all = denseRank(attempts)
		e.cache.SetJSON(ctx, faststore.RankingsKey(examID), all, rankingsCacheTTL)
	}

	page := RankingsPage{ExamID: examID, Total: len(all)}
	if len(all) > limit {
		page.Entries = all[:limit]
	} else {
		page.Entries = all
	}
	if userID != "" {
		for i := range all {
			if all[i].UserID == userID {
				me := all[i]
				page.Me = &me
				break
			}
		}
	}
	return page, fromCache, nil
}
