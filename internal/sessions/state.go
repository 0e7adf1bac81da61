package sessions

import "fmt"

// SyncState tracks one session's delivery.
//
//	Pending -> Syncing -> Synced
//	               \---> Failed -> Pending (next explicit sync)
type SyncState int

const (
	Pending SyncState = iota
	Syncing
	Synced
	Failed
)

var stateNames = [...]string{"pending", "syncing", "synced", "failed"}

func (s SyncState) String() string {
	if s < Pending || s > Failed {
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s SyncState) MarshalText() ([]byte, error) {
	if s < Pending || s > Failed {
		return nil, fmt.Errorf("invalid sync state %d", int(s))
	}
	return []byte(stateNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SyncState) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = SyncState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown sync state %q", b)
}

// Source records where the current contents came from.
type Source string

const (
	SourceNone      Source = ""
	SourceGenerated Source = "generated" // built locally from the user's profile
	SourceFallback  Source = "fallback"  // built locally because sync was unavailable
	SourceSynced    Source = "synced"    // received from the owner
)

// IsLocal reports whether the contents were generated on this peer.
func (s Source) IsLocal() bool {
	return s == SourceGenerated || s == SourceFallback
}
