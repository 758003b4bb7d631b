package store

import (
	"fmt"
	"regexp"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// ValidateID checks that an identifier can be embedded in keys and
// channel names.
func ValidateID(kind, id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %s %q must be 1-128 characters of letters, digits, '-' or '_'", ErrInvalidID, kind, id)
	}
	return nil
}

// ProjectKey is the project state record.
func ProjectKey(projectID string) string {
	return "project:" + projectID + ":state"
}

// ArtifactKey holds a phase artifact such as the research or plan note.
func ArtifactKey(projectID, kind string) string {
	return "project:" + projectID + ":artifact:" + kind
}

// QuestionKey holds a pending approval question.
func QuestionKey(projectID, questionID string) string {
	return "project:" + projectID + ":question:" + questionID
}

// AnswerKey holds the answer to a question.
func AnswerKey(projectID, questionID string) string {
	return "project:" + projectID + ":answer:" + questionID
}

// TodosKey holds the agent todo list for a project.
func TodosKey(projectID string) string {
	return "project:" + projectID + ":todos"
}

// PullRequestKey holds the finalization record for a project.
func PullRequestKey(projectID string) string {
	return "project:" + projectID + ":pr"
}

// TaskKey holds a task record.
func TaskKey(taskID string) string {
	return "task:" + taskID
}

// RepoKey holds cached repository metadata.
func RepoKey(owner, repo string) string {
	return "repo:" + owner + ":" + repo
}

// EventsChannel is the per-project broadcast channel.
func EventsChannel(projectID string) string {
	return "project:" + projectID + ":events"
}
