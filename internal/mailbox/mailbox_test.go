package mailbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tsingmao/xdna/internal/api"
	"github.com/tsingmao/xdna/internal/protocol"
)

// silentChannel accepts every message and never answers.
type silentChannel struct {
	tr *Tracker
}

func (c *silentChannel) Send(msg *Message) (*Future, error) {
	_, f, err := c.tr.Add(msg)
	return f, err
}
func (c *silentChannel) Stop()    { c.tr.Stop() }
func (c *silentChannel) Destroy() { c.tr.Close(api.ErrNoChannel) }

func TestFuture_ResolveOnce(t *testing.T) {
	calls := 0
	msg := &Message{
		Opcode: protocol.OpSyncBO,
		Handle: "job-1",
		Notify: func(handle interface{}, resp []byte, err error) {
			calls++
			if handle != "job-1" {
				t.Errorf("Unexpected handle %v", handle)
			}
		},
	}
	f := NewFuture(msg)

	if !f.Resolve([]byte{0, 0, 0, 0}, nil) {
		t.Fatal("First Resolve should succeed")
	}
	if f.Resolve(nil, api.ErrNoChannel) {
		t.Error("Second Resolve should be ignored")
	}
	if calls != 1 {
		t.Errorf("Expected 1 notify call, got %d", calls)
	}

	resp, err := f.Wait(context.Background())
	if err != nil || len(resp) != 4 {
		t.Errorf("Unexpected result %v, %v", resp, err)
	}
}

func TestTracker_CloseFailsPending(t *testing.T) {
	tr := NewTracker()
	var notified []error
	msg := &Message{
		Opcode: protocol.OpExecDPU,
		Notify: func(_ interface{}, _ []byte, err error) { notified = append(notified, err) },
	}

	id1, f1, err := tr.Add(msg)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	_, f2, _ := tr.Add(msg)

	if !tr.Complete(id1, []byte{0, 0, 0, 0}) {
		t.Error("Complete should succeed for pending id")
	}
	if tr.Complete(id1, nil) {
		t.Error("Complete should fail for completed id")
	}

	if n := tr.Close(api.ErrNoChannel); n != 1 {
		t.Errorf("Expected 1 failed future, got %d", n)
	}
	if _, err := f2.Wait(context.Background()); !errors.Is(err, api.ErrNoChannel) {
		t.Errorf("Expected ErrNoChannel, got %v", err)
	}
	if _, err := f1.Wait(context.Background()); err != nil {
		t.Errorf("Completed future changed: %v", err)
	}
	if len(notified) != 2 || notified[1] == nil {
		t.Errorf("Unexpected notifications %v", notified)
	}
	if _, _, err := tr.Add(msg); !errors.Is(err, api.ErrNoChannel) {
		t.Errorf("Add after Close should fail, got %v", err)
	}
}

func TestTracker_StopKeepsInFlight(t *testing.T) {
	tr := NewTracker()
	msg := &Message{Opcode: protocol.OpSyncBO}
	id, f, _ := tr.Add(msg)

	tr.Stop()
	if _, _, err := tr.Add(msg); !errors.Is(err, api.ErrNoChannel) {
		t.Errorf("Add after Stop should fail, got %v", err)
	}
	if !tr.Complete(id, []byte{0, 0, 0, 0}) {
		t.Error("In-flight message should still complete after Stop")
	}
	<-f.Done()
}

func TestSendWait_Timeout(t *testing.T) {
	ch := &silentChannel{tr: NewTracker()}
	msg, err := NewMessage(protocol.OpSuspend, &protocol.Placeholder{})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	_, err = SendWait(context.Background(), ch, msg, 10*time.Millisecond)
	if !errors.Is(err, api.ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestSendWait_CallerCancel(t *testing.T) {
	ch := &silentChannel{tr: NewTracker()}
	msg := &Message{Opcode: protocol.OpResume}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := SendWait(ctx, ch, msg, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestSendWait_DestroyUnblocks(t *testing.T) {
	ch := &silentChannel{tr: NewTracker()}
	msg := &Message{Opcode: protocol.OpResume}

	go func() {
		time.Sleep(5 * time.Millisecond)
		ch.Destroy()
	}()

	_, err := SendWait(context.Background(), ch, msg, 5*time.Second)
	if !errors.Is(err, api.ErrNoChannel) {
		t.Errorf("Expected ErrNoChannel, got %v", err)
	}
}

func TestSendWait_NilChannel(t *testing.T) {
	_, err := SendWait(context.Background(), nil, &Message{}, time.Second)
	if !errors.Is(err, api.ErrNoChannel) {
		t.Errorf("Expected ErrNoChannel, got %v", err)
	}
}
