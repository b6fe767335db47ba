package convergence

import (
	"fmt"
	"time"
)

// Grace reports whether the caller is inside the post-convergence window.
// It is derived from the last recorded convergence attempt and exists so
// authorization checks can tolerate provider-to-cache propagation lag right
// after a checkout. It is an optimistic hint, not a security boundary.
type Grace struct {
	Active    bool       `json:"active"`
	AttemptID string     `json:"attempt_id,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Until     *time.Time `json:"until,omitempty"`
}

// GraceWindow returns the grace state for a user. A user with no recorded
// convergence attempt has no window.
func (s *Service) GraceWindow(userID string) (Grace, error) {
	user, err := s.db.GetUser(userID)
	if err != nil {
		return Grace{}, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return Grace{}, fmt.Errorf("%w: %s", ErrIdentityNotFound, userID)
	}
	if user.LastSyncedAt == nil {
		return Grace{}, nil
	}

	until := user.LastSyncedAt.Add(s.cfg.GraceWindow)
	return Grace{
		Active:    s.now().Before(until),
		AttemptID: user.LastSyncID,
		Since:     user.LastSyncedAt,
		Until:     &until,
	}, nil
}
