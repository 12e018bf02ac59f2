package applier

import (
	"fmt"

	"github.com/steveyegge/tablesync/internal/protocol"
)

// UnknownTableError reports a directive table that is not registered. It is
// returned before any transaction opens.
type UnknownTableError struct {
	Table string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("directive references unknown table %q", e.Table)
}

// SyncTransactionError wraps the first operation failure of an apply. The
// whole transaction was rolled back.
type SyncTransactionError struct {
	// Table and Op locate the failing operation. Table is empty when the
	// failure came from the transaction itself, e.g. the commit.
	Table string
	Op    protocol.OpKind
	Err   error
}

func (e *SyncTransactionError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("sync transaction failed: %v", e.Err)
	}
	return fmt.Sprintf("sync transaction failed at %s.%s: %v", e.Table, e.Op, e.Err)
}

func (e *SyncTransactionError) Unwrap() error {
	return e.Err
}
