package readloop

// recoveryKind names the error-recovery states spec.md §9 asks to model
// explicitly rather than as bare counters: ForwardScanning,
// ForwardRetrying{attempts}, ForwardRegionGiveUp{regions}, ReverseScanning,
// ReverseRetrying{attempts}, Terminated{reason}.
type recoveryKind int

const (
	stateForwardScanning recoveryKind = iota
	stateForwardRetrying
	stateForwardRegionGiveUp
	stateReverseScanning
	stateReverseRetrying
	stateTerminated
)

// recoveryState carries whichever payload its kind needs, instead of the
// original implementation's pair of bare integer counters.
type recoveryState struct {
	kind     recoveryKind
	attempts int
	regions  int
	reason   string
}

func scanningState(dir direction) recoveryState {
	if dir == directionForward {
		return recoveryState{kind: stateForwardScanning}
	}
	return recoveryState{kind: stateReverseScanning}
}

func retryingState(dir direction, attempts int) recoveryState {
	if dir == directionForward {
		return recoveryState{kind: stateForwardRetrying, attempts: attempts}
	}
	return recoveryState{kind: stateReverseRetrying, attempts: attempts}
}

func terminatedState(reason string) recoveryState {
	return recoveryState{kind: stateTerminated, reason: reason}
}
