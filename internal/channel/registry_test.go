package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gluk-w/claworc/nodelink/internal/callback"
	"github.com/gluk-w/claworc/nodelink/internal/workerpool"
)

type event struct {
	kind    string
	channel string
	initial []string
}

type recordingListener struct {
	mu     sync.Mutex
	events []event
}

func (l *recordingListener) SetInitialChannels(chs []*Channel) {
	ids := make([]string, len(chs))
	for i, ch := range chs {
		ids[i] = ch.ID()
	}
	l.add(event{kind: "initial", initial: ids})
}

func (l *recordingListener) OnChannelEstablished(ch *Channel) {
	l.add(event{kind: "established", channel: ch.ID()})
}

func (l *recordingListener) OnChannelTerminated(ch *Channel) {
	l.add(event{kind: "terminated", channel: ch.ID()})
}

func (l *recordingListener) add(e event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *recordingListener) snapshot() []event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event(nil), l.events...)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(workerpool.New(8, nil), callback.LogAndContinue, nil)
}

func establishedChannel(remote bool) *Channel {
	ch := New("tcp", ContactPoint{Host: "10.0.0.5", Port: 21000, TransportID: "tcp"}, remote)
	ch.MarkEstablished("peer")
	return ch
}

func TestInitialChannelsDeliveredFirstDuringChurn(t *testing.T) {
	r := newTestRegistry(t)

	stop := make(chan struct{})
	var churn sync.WaitGroup
	churn.Add(1)
	go func() {
		defer churn.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			ch := establishedChannel(false)
			r.ChannelEstablished(ch)
			ch.MarkClosed(false)
			r.ChannelTerminated(ch)
		}
	}()

	first, second := &recordingListener{}, &recordingListener{}
	r.AddListener(first)
	time.Sleep(time.Millisecond)
	r.AddListener(second)
	close(stop)
	churn.Wait()

	for name, l := range map[string]*recordingListener{"first": first, "second": second} {
		require.Eventually(t, func() bool { return len(l.snapshot()) > 0 }, 2*time.Second, time.Millisecond)
		events := l.snapshot()
		if events[0].kind != "initial" {
			t.Errorf("%s listener: first event = %q, want initial", name, events[0].kind)
		}
		for i, e := range events[1:] {
			if e.kind == "initial" {
				t.Errorf("%s listener: initial event repeated at %d", name, i+1)
			}
		}
	}
}

func TestInitialSnapshotIsConsistentWithLaterEvents(t *testing.T) {
	r := newTestRegistry(t)
	before := establishedChannel(false)
	r.ChannelEstablished(before)

	l := &recordingListener{}
	r.AddListener(l)

	before.MarkAsBroken()
	r.ChannelTerminated(before)

	require.Eventually(t, func() bool { return len(l.snapshot()) == 2 }, 2*time.Second, time.Millisecond)
	events := l.snapshot()
	if len(events[0].initial) != 1 || events[0].initial[0] != before.ID() {
		t.Errorf("initial = %v, want [%s]", events[0].initial, before.ID())
	}
	if events[1].kind != "terminated" || events[1].channel != before.ID() {
		t.Errorf("second event = %+v, want terminated %s", events[1], before.ID())
	}
}

func TestEventsDeliveredExactlyOnce(t *testing.T) {
	r := newTestRegistry(t)
	l := &recordingListener{}
	r.AddListener(l)

	ch := establishedChannel(true)
	r.ChannelEstablished(ch)
	r.ChannelEstablished(ch)
	ch.MarkClosed(true)
	r.ChannelTerminated(ch)
	r.ChannelTerminated(ch)
	r.ChannelEstablished(ch)

	never := New("tcp", ContactPoint{}, false)
	r.ChannelTerminated(never)

	require.Eventually(t, func() bool { return len(l.snapshot()) >= 3 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	events := l.snapshot()
	want := []string{"initial", "established", "terminated"}
	if len(events) != len(want) {
		t.Fatalf("got %d events %+v, want %v", len(events), events, want)
	}
	for i, kind := range want {
		if events[i].kind != kind {
			t.Errorf("event %d = %q, want %q", i, events[i].kind, kind)
		}
	}
	if n := len(r.ActiveChannels()); n != 0 {
		t.Errorf("ActiveChannels() has %d entries, want 0", n)
	}
}

func TestObserverSeesTransitions(t *testing.T) {
	r := newTestRegistry(t)
	var established, terminated int
	r.Observe(func(_ *Channel, up bool) {
		if up {
			established++
		} else {
			terminated++
		}
	})

	ch := establishedChannel(false)
	r.ChannelEstablished(ch)
	if _, ok := r.Channel(ch.ID()); !ok {
		t.Error("Channel() did not find live channel")
	}
	ch.MarkClosed(false)
	r.ChannelTerminated(ch)
	if established != 1 || terminated != 1 {
		t.Errorf("observer counts = %d/%d, want 1/1", established, terminated)
	}
}
