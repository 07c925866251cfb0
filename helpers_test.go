package funnel

import (
	"context"
	"sync"
	"time"

	"github.com/netsendo/funnel/pkg/api"
)

type memDirectory struct {
	mu   sync.Mutex
	tags map[string]map[string]bool
}

func newMemDirectory() *memDirectory {
	return &memDirectory{tags: make(map[string]map[string]bool)}
}

func (d *memDirectory) HasTag(_ context.Context, sub, tag string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tags[sub][tag], nil
}

func (d *memDirectory) AddTag(_ context.Context, sub, tag string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tags[sub] == nil {
		d.tags[sub] = make(map[string]bool)
	}
	d.tags[sub][tag] = true
	return nil
}

func (d *memDirectory) RemoveTag(_ context.Context, sub, tag string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tags[sub], tag)
	return nil
}

func (d *memDirectory) GetField(context.Context, string, string) (string, bool, error) {
	return "", false, nil
}
func (d *memDirectory) SetField(context.Context, string, string, string) error   { return nil }
func (d *memDirectory) AddToList(context.Context, string, string) error          { return nil }
func (d *memDirectory) RemoveFromList(context.Context, string, string) error     { return nil }
func (d *memDirectory) Unsubscribe(context.Context, string, string) error        { return nil }

type recordingMessenger struct {
	mu   sync.Mutex
	sent []api.Message
}

func (m *recordingMessenger) Send(_ context.Context, msg api.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMessenger) messages() []api.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]api.Message, len(m.sent))
	copy(out, m.sent)
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
