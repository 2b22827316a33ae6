package faststore

import "fmt"

// Keyspace layout. Locks are lock:<operation>:<entity-id>; user-keyed
// namespaces carry a shard bucket so per-user invalidation stays O(1).
const (
	QueueSubmissions = "queue:exam_submissions"
	QueueAnalytics   = "queue:analytics_update"
	QueueAnswers     = "queue:answer_updates"
	QueueTimedOut    = "queue:timed_out"

	analyticsDirtyKey = "analytics:dirty"
)

func LockSubmission(attemptID string) string { return "lock:submission:" + attemptID }
func LockStatus(attemptID string) string     { return "lock:status:" + attemptID }
func LockRecalc(attemptID string) string     { return "lock:recalc:" + attemptID }
func LockDelete(attemptID string) string     { return "lock:delete:" + attemptID }

func SubmitStatusKey(attemptID string) string { return "submit:" + attemptID + ":status" }
func SubmitResultKey(attemptID string) string { return "submit:" + attemptID + ":result" }

func TimerKey(attemptID string) string   { return "timer:" + attemptID }
func AttemptKey(attemptID string) string { return "attempt:" + attemptID }

func RankingsKey(examID string) string        { return "rankings:" + examID }
func ExamKey(examID string) string            { return "exam:" + examID }
func QuestionKey(questionID string) string    { return "question:" + questionID }
func ExamQuestionIDsKey(examID string) string { return "exam:" + examID + ":question-ids" }

func AnalyticsKey(examID string) string { return "analytics:" + examID }
func AnalyticsDirtyKey() string         { return analyticsDirtyKey }

func (c *Client) CategorizedKey(userID string) string {
	return fmt.Sprintf("categorized:%d:%s", c.Shard(userID), userID)
}

func (c *Client) AccessKey(userID string) string {
	return fmt.Sprintf("access:%d:%s", c.Shard(userID), userID)
}
