package settlementtest

import (
	"context"
	"sync"

	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	"github.com/stretchr/testify/mock"
)

// MockNotifier is a testify mock for notification expectations.
type MockNotifier struct{ mock.Mock }

func (m *MockNotifier) Notify(ctx context.Context, event notificationdomain.Event) error {
	return m.Called(event.Kind, event.Recipient).Error(0)
}

// RecordingNotifier keeps every event it receives.
type RecordingNotifier struct {
	mu     sync.Mutex
	events []notificationdomain.Event
}

func (r *RecordingNotifier) Notify(ctx context.Context, event notificationdomain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *RecordingNotifier) Kinds() []notificationdomain.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notificationdomain.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *RecordingNotifier) Events() []notificationdomain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notificationdomain.Event, len(r.events))
	copy(out, r.events)
	return out
}
