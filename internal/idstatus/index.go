package idstatus

import "go.uber.org/zap"

// Status summarizes how far a contact's identification questionnaire has
// progressed. Absence of a Status for a contact means "unknown", which is a
// distinct state from zero answered questions.
type Status struct {
	ContactID         string `json:"contact_id"`
	TotalQuestions    int    `json:"total_questions"`
	AnsweredQuestions int    `json:"answered_questions"`
}

// Complete reports whether every question has been answered.
func (s Status) Complete() bool {
	return s.TotalQuestions > 0 && s.AnsweredQuestions >= s.TotalQuestions
}

// Index builds a lookup from contact identifier to Status. Duplicate
// identifiers should not occur upstream; when they do the last record wins
// and a warning is logged.
func Index(statuses []Status, logger *zap.Logger) map[string]Status {
	idx := make(map[string]Status, len(statuses))
	for _, s := range statuses {
		if _, dup := idx[s.ContactID]; dup && logger != nil {
			logger.Warn("duplicate identification status", zap.String("contact_id", s.ContactID))
		}
		idx[s.ContactID] = s
	}
	return idx
}
