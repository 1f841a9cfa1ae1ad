package pipeline

// TurnLock admits at most one response turn per session. It is taken without
// blocking when a final transcript arrives and held until the turn's last
// chunk has been emitted or the turn was aborted.
type TurnLock struct {
	ch chan struct{}
}

func NewTurnLock() *TurnLock {
	return &TurnLock{ch: make(chan struct{}, 1)}
}

// TryAcquire takes the lock if it is free.
func (l *TurnLock) TryAcquire() bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the lock. Releasing a free lock is a programming error.
func (l *TurnLock) Release() {
	select {
	case <-l.ch:
	default:
		panic("pipeline: release of unheld turn lock")
	}
}
