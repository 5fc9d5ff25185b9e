package connection

// Listener observes the setup collection and every setup in it. Callbacks
// for one listener arrive in order and never concurrently.
type Listener interface {
	OnCollectionChanged(setups []*Setup)
	OnCreated(s *Setup)
	OnDisposed(s *Setup)
	OnStateChanged(s *Setup, from, to State)
	// OnConnectionAttemptFailed reports a failed attempt. first is true for
	// the first failure in a row, so observers can avoid repeating the same
	// error on every retry.
	OnConnectionAttemptFailed(s *Setup, reason string, first, willAutoRetry bool)
	OnConnectionClosed(s *Setup, reason DisconnectReason, willAutoRetry bool)
}

// NopListener implements Listener with no-ops, for embedding.
type NopListener struct{}

func (NopListener) OnCollectionChanged([]*Setup) {}
func (NopListener) OnCreated(*Setup) {}
func (NopListener) OnDisposed(*Setup) {}
func (NopListener) OnStateChanged(*Setup, State, State) {}
func (NopListener) OnConnectionAttemptFailed(*Setup, string, bool, bool) {}
func (NopListener) OnConnectionClosed(*Setup, DisconnectReason, bool) {}
