package sync

import (
	"fmt"
	"time"
)

// State is a step of a sync pass
type State int

const (
	StateIdle State = iota
	StateFetching
	StateCheckingAncestry
	StateStaging
	StateMergingUpstream
	StateResolvingMergeConflicts
	StateReplayingLocalChanges
	StateResolvingStashConflicts
	StateIntegrating
	StateAborting
	StateCleanup
)

var stateNames = [...]string{
	StateIdle:                    "idle",
	StateFetching:                "fetching",
	StateCheckingAncestry:        "checking-ancestry",
	StateStaging:                 "staging",
	StateMergingUpstream:         "merging-upstream",
	StateResolvingMergeConflicts: "resolving-merge-conflicts",
	StateReplayingLocalChanges:   "replaying-local-changes",
	StateResolvingStashConflicts: "resolving-stash-conflicts",
	StateIntegrating:             "integrating",
	StateAborting:                "aborting",
	StateCleanup:                 "cleanup",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome summarizes how a pass ended
type Outcome string

const (
	// OutcomeNoop means the tracking branch was already merged.
	OutcomeNoop Outcome = "noop"
	// OutcomeMerged means main now contains the tracking head.
	OutcomeMerged Outcome = "merged"
	// OutcomeAborted means the pass rolled back after the repository was touched.
	OutcomeAborted Outcome = "aborted"
	// OutcomeFailed means the pass stopped before touching the repository.
	OutcomeFailed Outcome = "failed"
)

// Result describes a finished pass
type Result struct {
	Outcome      Outcome       `json:"outcome"`
	LocalHead    string        `json:"local_head,omitempty"`
	TrackingHead string        `json:"tracking_head,omitempty"`
	MergedHead   string        `json:"merged_head,omitempty"`
	Backups      []string      `json:"backups,omitempty"`
	Conflicts    int           `json:"conflicts"`
	Started      time.Time     `json:"started"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// pass holds the mutable bookkeeping of one run, consulted by the abort path.
type pass struct {
	staging      string
	localHead    string
	stamp        string
	treeClean    bool // tracked changes are safe in the stash (or there were none)
	stashed      bool
	stashID      string
	stashDropped bool
	integrated   bool // main points at the staging head
}

// StagingBranchPrefix marks the disposable branches sync passes merge on.
const StagingBranchPrefix = "__temp__/"

// StagingBranch returns the deterministic staging branch name for a pair of heads.
func StagingBranch(localHead, trackingHead string) string {
	return fmt.Sprintf("%smerge_%s-from-%s", StagingBranchPrefix, short(localHead), short(trackingHead))
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
