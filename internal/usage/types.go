package usage

import (
	"time"
)

// Key identifies one open session: a subject present in a group.
type Key struct {
	Subject string
	Group   string
}

// Live is a point-in-time view of an open session.
type Live struct {
	Key
	Since   time.Time // start instant, advanced by every checkpoint
	Seconds int64     // whole seconds accrued since Since
}

// Segment is elapsed time taken out of an open session by a checkpoint,
// ready to be committed to the ledger.
type Segment struct {
	Key
	Seconds int64
}

// Total is one subject's windowed time within a group: committed history
// plus whatever is still accruing in an open session.
type Total struct {
	SubjectID string
	Seconds   int64
	Active    bool
}

// entryKey addresses one ledger entry.
type entryKey struct {
	group   string
	subject string
	day     string
}
