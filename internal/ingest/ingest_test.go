package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"presenceguard/internal/model"
	"presenceguard/internal/trust"
)

func TestParseDecisionAliases(t *testing.T) {
	d, err := ParseDecisionBytes([]byte(`{"Student":"s-9","action":"Approved","approved_by":"dean","ts":"2026-03-02T09:00:00Z"}`), "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.StudentID != "s-9" || d.Action != ActionApprove || d.Admin != "dean" {
		t.Fatalf("unexpected decision %+v", d)
	}
	if !d.Timestamp.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp: %v", d.Timestamp)
	}
}

func TestParseDecisionUsesFallbackStudent(t *testing.T) {
	d, err := ParseDecisionBytes([]byte(`{"decision":"reject"}`), "s-3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.StudentID != "s-3" || d.Action != ActionDeny {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestParseDecisionErrors(t *testing.T) {
	if _, err := ParseDecisionBytes([]byte(`{"decision":"approve"}`), ""); !errors.Is(err, ErrMissingStudent) {
		t.Fatalf("expected ErrMissingStudent, got %v", err)
	}
	if _, err := ParseDecisionBytes([]byte(`{"student_id":"s-1","decision":"maybe"}`), ""); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	if _, err := ParseDecisionBytes([]byte(`not json`), "s-1"); err == nil {
		t.Fatalf("expected json error")
	}
}

type fakeReader struct {
	mu       sync.Mutex
	messages []kafka.Message
	closed   bool
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.messages) > 0 {
		m := f.messages[0]
		f.messages = f.messages[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func TestConsumeSkipsBadMessages(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Key: []byte("s-1"), Value: []byte(`{"decision":"approve"}`)},
		{Value: []byte(`{"decision":"approve"}`)},
		{Value: []byte(`{"student_id":"s-2","decision":"deny"}`)},
	}}
	out := make(chan Decision, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		consume(ctx, reader, out, nil)
		close(done)
	}()

	var got []Decision
	for len(got) < 2 {
		select {
		case d := <-out:
			got = append(got, d)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for decisions, got %d", len(got))
		}
	}
	cancel()
	<-done
	if got[0].StudentID != "s-1" || got[0].Action != ActionApprove || got[0].Source != "kafka" {
		t.Fatalf("unexpected first decision %+v", got[0])
	}
	if got[1].StudentID != "s-2" || got[1].Action != ActionDeny {
		t.Fatalf("unexpected second decision %+v", got[1])
	}
	if !reader.closed {
		t.Fatalf("reader not closed")
	}
}

func TestSendNonBlockingDropsWhenFull(t *testing.T) {
	out := make(chan Decision, 1)
	if !SendNonBlocking(context.Background(), out, Decision{StudentID: "a"}, nil) {
		t.Fatalf("first send should succeed")
	}
	if SendNonBlocking(context.Background(), out, Decision{StudentID: "b"}, nil) {
		t.Fatalf("second send should drop")
	}
}

func TestDispatchAppliesToTrustManager(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	mgr := trust.NewManager(trust.NewMemoryStore(0), trust.DefaultPolicy(), nil).WithClock(func() time.Time { return now })
	ctx := context.Background()
	mgr.AttemptLogin(ctx, "s-1", "phone-a")
	mgr.AttemptLogin(ctx, "s-1", "phone-b")
	mgr.AttemptLogin(ctx, "s-2", "phone-a")
	mgr.AttemptLogin(ctx, "s-2", "phone-b")

	in := make(chan Decision, 3)
	in <- Decision{StudentID: "s-1", Action: ActionApprove}
	in <- Decision{StudentID: "s-2", Action: ActionDeny}
	in <- Decision{StudentID: "s-3", Action: ActionApprove}
	close(in)
	Dispatch(ctx, in, mgr, nil)

	st, _ := mgr.Status(ctx, "s-1")
	if st.State != model.StatusActive || st.PrimaryDeviceID != "phone-b" {
		t.Fatalf("s-1 not switched: %+v", st)
	}
	st, _ = mgr.Status(ctx, "s-2")
	if st.State != model.StatusActive || st.PrimaryDeviceID != "phone-a" {
		t.Fatalf("s-2 should keep original device: %+v", st)
	}
}

func TestApplyReportsMissingSwitch(t *testing.T) {
	mgr := trust.NewManager(trust.NewMemoryStore(0), trust.DefaultPolicy(), nil)
	ctx := context.Background()
	mgr.AttemptLogin(ctx, "s-1", "phone-a")
	if _, err := Apply(ctx, mgr, Decision{StudentID: "s-1", Action: ActionDeny}, nil); !errors.Is(err, trust.ErrNoPendingSwitch) {
		t.Fatalf("expected ErrNoPendingSwitch, got %v", err)
	}
	if _, err := Apply(ctx, mgr, Decision{StudentID: "s-1", Action: "pause"}, nil); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestBackoffSleepHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if BackoffSleep(ctx, time.Hour) {
		t.Fatalf("expected cancelled sleep to return false")
	}
}
