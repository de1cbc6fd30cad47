package api

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"vault-keeper/internal/executor"
)

// Dashboard event types.
const (
	EventSnapshot  = "snapshot"
	EventOutcome   = "outcome"
	EventRejection = "rejection"
	EventKill      = "kill"
	EventCycle     = "cycle"
)

// DashboardEvent is the wrapper for all events sent to the dashboard
type DashboardEvent struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Key       string      `json:"key,omitempty"` // loan key or order/position (empty for global events)
	Data      interface{} `json:"data"`
}

// OutcomeEvent reports a finished execution.
type OutcomeEvent struct {
	Action    string    `json:"action"`
	Key       string    `json:"key"`
	Result    string    `json:"result"` // "success", "failure" or "dry_run"
	TxHash    string    `json:"tx_hash,omitempty"`
	Fee       string    `json:"fee,omitempty"`       // ether
	Estimated string    `json:"estimated,omitempty"` // ether
	Error     string    `json:"error,omitempty"`
	ElapsedMs float64   `json:"elapsed_ms"`
	At        time.Time `json:"at"`
}

// RejectionEvent reports an action that admission control turned away.
type RejectionEvent struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// KillEvent is emitted when kill switch activates
type KillEvent struct {
	Reason string    `json:"reason"`
	Until  time.Time `json:"until"` // Cooldown expiry
}

// CycleEvent summarizes one scheduler cycle.
type CycleEvent struct {
	Duration   float64 `json:"duration_ms"`
	Loans      int     `json:"loans"`
	Orders     int     `json:"orders"`
	Submitted  int     `json:"submitted"`
	Rejected   int     `json:"rejected"`
	EventsSeen int     `json:"events_seen"`
}

// OutcomeResult classifies an outcome for dashboards and metrics.
func OutcomeResult(out executor.Outcome) string {
	switch {
	case out.DryRun:
		return "dry_run"
	case out.Success:
		return "success"
	default:
		return "failure"
	}
}

// NewOutcomeEvent creates an outcome event from an executor outcome
func NewOutcomeEvent(out executor.Outcome, at time.Time) OutcomeEvent {
	evt := OutcomeEvent{
		Action:    string(out.Request.Action),
		Key:       out.Request.Key,
		Result:    OutcomeResult(out),
		ElapsedMs: float64(out.Elapsed.Microseconds()) / 1000,
		At:        at,
	}
	if out.Hash != (common.Hash{}) {
		evt.TxHash = out.Hash.Hex()
	}
	if out.Fee != nil {
		evt.Fee = WeiToEther(out.Fee)
	}
	if out.Estimated != nil {
		evt.Estimated = WeiToEther(out.Estimated)
	}
	if out.Err != nil {
		evt.Error = out.Err.Error()
	}
	return evt
}

// NewRejectionEvent creates a rejection event
func NewRejectionEvent(req executor.Request, reason executor.Reject) RejectionEvent {
	return RejectionEvent{
		Action: string(req.Action),
		Key:    req.Key,
		Reason: string(reason),
	}
}

// NewKillEvent creates a kill switch event
func NewKillEvent(reason string, until time.Time) KillEvent {
	return KillEvent{
		Reason: reason,
		Until:  until,
	}
}
