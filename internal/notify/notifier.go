// Package notify fans out per-session "something changed" signals to
// subscribed watchers. Delivery is best-effort and carries no payload;
// subscribers re-read the session on wake-up.
package notify

import "sync"

// Subscription is one watcher's handle on a session. C coalesces: if the
// watcher is slow, multiple commits collapse into one pending signal.
type Subscription struct {
	SessionID string
	ch        chan struct{}
}

// C is the wake-up channel.
func (s *Subscription) C() <-chan struct{} {
	return s.ch
}

type Notifier struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{subs: map[string]map[*Subscription]struct{}{}}
}

func (n *Notifier) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		SessionID: sessionID,
		ch:        make(chan struct{}, 1),
	}
	n.mu.Lock()
	set, ok := n.subs[sessionID]
	if !ok {
		set = map[*Subscription]struct{}{}
		n.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	n.mu.Unlock()
	return sub
}

func (n *Notifier) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	n.mu.Lock()
	if set, ok := n.subs[sub.SessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(n.subs, sub.SessionID)
		}
	}
	n.mu.Unlock()
}

// Publish wakes every current subscriber of sessionID. The subscriber list
// is copied under the lock and the sends happen outside it, so a slow
// consumer never blocks the arbiter or other sessions.
func (n *Notifier) Publish(sessionID string) {
	n.mu.Lock()
	set := n.subs[sessionID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	n.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

// SubscriberCount reports how many watchers are subscribed to sessionID.
func (n *Notifier) SubscriberCount(sessionID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[sessionID])
}
