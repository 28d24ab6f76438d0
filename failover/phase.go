package failover

import (
	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-mysql-failover/endpoint"
	"github.com/go-mysql-org/go-mysql-failover/gtid"
	"github.com/go-mysql-org/go-mysql-failover/poll"
	"github.com/go-mysql-org/go-mysql-failover/probe"
)

type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseBaselineReset        Phase = "baseline_reset"
	PhasePreFailoverWrite     Phase = "pre_failover_write"
	PhasePreFailoverVerify    Phase = "pre_failover_verify"
	PhaseAwaitingFailure      Phase = "awaiting_failure"
	PhaseLeaderChangeDetected Phase = "leader_change_detected"
	PhasePostFailoverWrite    Phase = "post_failover_write"
	PhasePostFailoverVerify   Phase = "post_failover_verify"
	PhaseDone                 Phase = "done"
)

// Reason names why a run failed.
type Reason string

const (
	ReasonNone                          Reason = ""
	ReasonPreflightReplicationBroken    Reason = "PreflightReplicationBroken"
	ReasonNoFailoverObserved            Reason = "NoFailoverObserved"
	ReasonLeaderUndetermined            Reason = "LeaderUndetermined"
	ReasonPostFailoverReplicationBroken Reason = "PostFailoverReplicationBroken"
	ReasonConfigurationFault            Reason = "ConfigurationFault"
	ReasonUnexpected                    Reason = "Unexpected"
)

// failure is an error that already knows its reason.
type failure struct {
	reason Reason
	err    error
}

func (f *failure) Error() string {
	return string(f.reason) + ": " + f.err.Error()
}

func (f *failure) Unwrap() error {
	return f.err
}

func fail(reason Reason, err error) error {
	return &failure{reason: reason, err: err}
}

// reasonOf picks the reason for an error a phase did not classify itself.
func reasonOf(err error) Reason {
	cause := errors.Cause(err)
	if f, ok := cause.(*failure); ok {
		return f.reason
	}
	switch {
	case probe.IsKind(cause, probe.AuthFailed):
		return ReasonConfigurationFault
	case cause == gtid.ErrMalformedWatermark:
		return ReasonConfigurationFault
	}
	if _, ok := cause.(*endpoint.ResolutionError); ok {
		return ReasonConfigurationFault
	}
	return ReasonUnexpected
}

// nodeFailureReason is the reason for a node-level check failing with err.
// Configuration problems win over the phase's replication reason.
func nodeFailureReason(phase Reason, err error) Reason {
	if err == nil {
		return phase
	}
	if pe, ok := err.(*poll.TimeoutError); ok && pe.LastErr != nil {
		err = pe.LastErr
	}
	if r := reasonOf(err); r == ReasonConfigurationFault {
		return r
	}
	return phase
}
