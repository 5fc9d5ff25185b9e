package sshsetup

import "github.com/gluk-w/claworc/nodelink/internal/failure"

// Listener observes SSH connection setups. Callbacks for one listener are
// delivered in order, one at a time.
type Listener interface {
	OnCollectionChanged(setups []*Setup)
	OnCreated(s *Setup)
	OnDisposed(s *Setup)
	OnConnected(s *Setup)
	OnConnectionAttemptFailed(s *Setup, reason string, class failure.Class, first, willAutoRetry bool)
	OnConnectionClosed(s *Setup, willAutoRetry bool)
}

// NopListener implements Listener with no-ops, for embedding.
type NopListener struct{}

func (NopListener) OnCollectionChanged([]*Setup) {}
func (NopListener) OnCreated(*Setup) {}
func (NopListener) OnDisposed(*Setup) {}
func (NopListener) OnConnected(*Setup) {}
func (NopListener) OnConnectionAttemptFailed(*Setup, string, failure.Class, bool, bool) {}
func (NopListener) OnConnectionClosed(*Setup, bool) {}
