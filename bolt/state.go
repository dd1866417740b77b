package bolt

import "fmt"

// State is a connection's current position in the Bolt protocol state
// machine.
type State int

const (
	Negotiation State = iota
	Authentication
	Ready
	Streaming
	TxReady
	TxStreaming
	Failed
	Interrupted
	Defunct
)

func (s State) String() string {
	switch s {
	case Negotiation:
		return "NEGOTIATION"
	case Authentication:
		return "AUTHENTICATION"
	case Ready:
		return "READY"
	case Streaming:
		return "STREAMING"
	case TxReady:
		return "TX_READY"
	case TxStreaming:
		return "TX_STREAMING"
	case Failed:
		return "FAILED"
	case Interrupted:
		return "INTERRUPTED"
	case Defunct:
		return "DEFUNCT"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrIllegalTransition is returned by Step when the (state, request,
// response) triple is not a legal transition. The source treats this as a
// programmer error (an assertion), since reply_for is the only legitimate
// path to emitting a response; this implementation returns it as an error
// so one bad connection cannot take down the process, and the connection
// layer is responsible for closing the socket on receipt of it.
type ErrIllegalTransition struct {
	State    State
	Request  Type
	Response Type
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("bolt: illegal transition: state=%s request=%s response=%s", e.State, e.Request, e.Response)
}

type transitionKey struct {
	state    State
	request  Type
	response Type
}

// transitions is the single table the Design Notes recommend in place of
// per-state nested switches: every legal (state, request, response) triple
// maps directly to its next state. Any triple absent from this table is
// illegal.
var transitions = map[transitionKey]State{
	// NEGOTIATION
	{Negotiation, HelloType, SuccessType}: Authentication,
	{Negotiation, HelloType, FailureType}: Defunct,

	// AUTHENTICATION
	{Authentication, LogonType, SuccessType}: Ready,
	{Authentication, LogonType, FailureType}: Defunct,

	// READY
	{Ready, LogoffType, SuccessType}: Authentication,
	{Ready, LogoffType, FailureType}: Failed,
	{Ready, RunType, SuccessType}:    Streaming,
	{Ready, RunType, FailureType}:    Failed,
	{Ready, BeginType, SuccessType}:  TxReady,
	{Ready, BeginType, FailureType}:  Failed,
	{Ready, RouteType, SuccessType}:  Ready,
	{Ready, ResetType, SuccessType}:  Ready,
	{Ready, ResetType, FailureType}:  Ready,

	// STREAMING
	{Streaming, PullType, SuccessType}:    Ready,
	{Streaming, PullType, FailureType}:    Failed,
	{Streaming, DiscardType, SuccessType}: Ready,
	{Streaming, DiscardType, FailureType}: Failed,
	{Streaming, ResetType, SuccessType}:   Ready,
	{Streaming, ResetType, FailureType}:   Ready,

	// TX_READY
	{TxReady, RunType, SuccessType}:      TxStreaming,
	{TxReady, RunType, FailureType}:      Failed,
	{TxReady, CommitType, SuccessType}:   Ready,
	{TxReady, CommitType, FailureType}:   Failed,
	{TxReady, RollbackType, SuccessType}: Ready,
	{TxReady, RollbackType, FailureType}: Failed,
	{TxReady, ResetType, SuccessType}:    Ready,
	{TxReady, ResetType, FailureType}:    Ready,

	// TX_STREAMING
	{TxStreaming, RunType, SuccessType}:      TxStreaming,
	{TxStreaming, RunType, FailureType}:      Failed,
	{TxStreaming, PullType, SuccessType}:     TxStreaming,
	{TxStreaming, PullType, FailureType}:     Failed,
	{TxStreaming, CommitType, SuccessType}:   Ready,
	{TxStreaming, CommitType, FailureType}:   Failed,
	{TxStreaming, DiscardType, SuccessType}:  TxReady,
	{TxStreaming, DiscardType, FailureType}:  Failed,
	{TxStreaming, ResetType, SuccessType}:    Ready,
	{TxStreaming, ResetType, FailureType}:    Ready,

	// FAILED
	{Failed, RunType, IgnoredType}:     Failed,
	{Failed, PullType, IgnoredType}:    Failed,
	{Failed, DiscardType, IgnoredType}: Failed,
	{Failed, ResetType, SuccessType}:   Ready,
	{Failed, ResetType, FailureType}:   Ready,

	// INTERRUPTED — every in-flight data/tx request is ignored until the
	// pending RESET itself is answered.
	{Interrupted, RunType, IgnoredType}:      Failed,
	{Interrupted, PullType, IgnoredType}:     Failed,
	{Interrupted, DiscardType, IgnoredType}:  Failed,
	{Interrupted, BeginType, IgnoredType}:    Failed,
	{Interrupted, CommitType, IgnoredType}:   Failed,
	{Interrupted, RollbackType, IgnoredType}: Failed,
	{Interrupted, ResetType, SuccessType}:    Ready,
	{Interrupted, ResetType, FailureType}:    Defunct,
}

// Step is the total transition function over legal (state, request,
// response) triples. RECORD responses never appear here: they are
// intermediate stream items and never change state (see StepRecord).
func Step(state State, request, response Type) (State, error) {
	if state == Defunct {
		// DEFUNCT is absorbing: no further transition occurs.
		return Defunct, nil
	}
	if request == GoodbyeType {
		// GOODBYE is an immediate, response-less teardown: legal from every
		// non-DEFUNCT state regardless of the nominal response value.
		return Defunct, nil
	}
	next, ok := transitions[transitionKey{state, request, response}]
	if !ok {
		return state, &ErrIllegalTransition{State: state, Request: request, Response: response}
	}
	return next, nil
}

// StepRecord is the identity transition for RECORD responses: they are
// intermediate stream items and never advance the state machine.
func StepRecord(state State) State {
	return state
}

// Interrupt moves any non-DEFUNCT state to INTERRUPTED, the transition a
// RESET arriving mid-processing triggers before the in-flight request's
// own response is known.
func Interrupt(state State) State {
	if state == Defunct {
		return Defunct
	}
	return Interrupted
}
