package scheduling

import (
	"time"

	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/cyp0633/caldora-itip/server/schedule"
	"github.com/cyp0633/caldora-itip/server/series"
	"github.com/samber/mo"
)

// Outcome tells whether a commit changed the store
type Outcome int

const (
	OutcomeCommitted Outcome = iota
	OutcomeNoOp
)

func (o Outcome) String() string {
	if o == OutcomeNoOp {
		return "no-op"
	}
	return "committed"
}

// Notification is an outgoing iTIP message produced by a commit. Delivering
// it is up to the caller.
type Notification struct {
	Method       schedule.Method
	Recipient    string
	RecurrenceID mo.Option[recurrence.ID]
	Object       *schedule.Object
}

// CommitResult describes one applied operation
type CommitResult struct {
	Outcome      Outcome
	UID          string
	RecurrenceID mo.Option[recurrence.ID]
	// Version and Modified identify the committed snapshot; both are zero
	// when the series was deleted
	Version  int64
	Modified time.Time
	// Series is the committed snapshot, nil when the series was deleted
	Series *series.Series
	// Reason explains a no-op
	Reason        string
	Notifications []Notification
}

// Deleted reports whether the commit removed the series
func (r CommitResult) Deleted() bool {
	return r.Outcome == OutcomeCommitted && r.Series == nil
}
