package gridsync

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, ts *testServer, token string) *Client {
	t.Helper()

	client := NewClient(ClientOptions{
		ServerURL: "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws",
		APIURL:    ts.http.URL,
		Token:     token,
	})
	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestClientHandlerUnsubscribe(t *testing.T) {
	client := NewClient(ClientOptions{})

	calls := 0

	off := client.On("custom", func(Event) {
		calls++
	})

	client.dispatch(Event{Event: "custom"})

	off()

	client.dispatch(Event{Event: "custom"})

	if calls != 1 {
		t.Fatalf("expected 1 call after unsubscribe, got %d", calls)
	}
}

func TestClientSaveFlow(t *testing.T) {
	ts := newTestServer(t)

	meta := uploadCSV(t, ts, "tok-alice", "budget.csv", "id,name\nr1,foo\nr2,baz\n")

	ctx := context.Background()

	client := newTestClient(t, ts, "tok-alice")

	connected := make(chan Event, 1)

	client.On(connectedEvent, func(ev Event) {
		select {
		case connected <- ev:
		default:
		}
	})

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connected event")
	}

	if err := client.JoinFile(meta.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	t.Run("edits accumulate in the tracker", func(t *testing.T) {
		if err := client.EditCell("r1", "name", "foo", "bar"); err != nil {
			t.Fatalf("edit failed: %v", err)
		}
		if err := client.EditCell("r1", "name", "bar", "qux"); err != nil {
			t.Fatalf("edit failed: %v", err)
		}
		if client.PendingChanges() != 1 {
			t.Fatalf("expected 1 coalesced pending change, got %d", client.PendingChanges())
		}
	})

	t.Run("save persists and clears the tracker", func(t *testing.T) {
		result, err := client.Save(ctx)

		if err != nil {
			t.Fatalf("save failed: %v", err)
		}
		if result.Applied != 1 || result.Conflicts != 0 {
			t.Fatalf("unexpected result: %+v", result)
		}
		if client.PendingChanges() != 0 {
			t.Fatalf("tracker must be cleared after a confirmed save, got %d", client.PendingChanges())
		}
		table, err := client.FetchRows(ctx, meta.ID)

		if err != nil {
			t.Fatalf("fetch failed: %v", err)
		}
		if table.Rows[0][1] != "qux" {
			t.Fatalf("expected persisted value qux, got %s", table.Rows[0][1])
		}
	})

	t.Run("failed save leaves edits pending", func(t *testing.T) {
		client.tracker.RecordEdit("r2", "name", "baz", "zap")

		badCtx, cancel := context.WithCancel(ctx)

		cancel()

		if _, err := client.Save(badCtx); err == nil {
			t.Fatal("expected save to fail with cancelled context")
		}
		if client.PendingChanges() != 1 {
			t.Fatalf("edits must survive a failed save, got %d", client.PendingChanges())
		}
	})

	t.Run("empty save is a no-op", func(t *testing.T) {
		client.tracker.Clear()

		result, err := client.Save(ctx)

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Total != 0 {
			t.Fatalf("unexpected result: %+v", result)
		}
	})
}

func TestClientReceivesRelays(t *testing.T) {
	ts := newTestServer(t)

	meta := uploadCSV(t, ts, "tok-alice", "budget.csv", "id,name\nr1,foo\n")

	ctx := context.Background()

	receiver := newTestClient(t, ts, "tok-bob")

	updates := make(chan FileUpdate, 4)

	receiver.On(fileUpdatedEvent, func(ev Event) {

		var update FileUpdate
		if err := parsePayload(&update, ev.Payload); err == nil {
			updates <- update
		}
	})

	if err := receiver.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := receiver.JoinFile(meta.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	// give the join a moment to land before the sender joins and edits
	time.Sleep(100 * time.Millisecond)

	sender := newTestClient(t, ts, "tok-alice")

	if err := sender.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := sender.JoinFile(meta.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := sender.EditCell("r1", "name", "foo", "bar"); err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	// an unsaved edit stays local to the sender
	select {
	case update := <-updates:
		t.Fatalf("unexpected relay before save: %+v", update)
	case <-time.After(300 * time.Millisecond):
	}

	if _, err := sender.Save(ctx); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	select {
	case update := <-updates:
		if update.RowKey != "r1" || update.Data == nil || update.Data.NewValue != "bar" {
			t.Fatalf("unexpected relay: %+v", update)
		}
		if update.UserID != "u-alice" {
			t.Fatalf("expected sender identity stamped, got %s", update.UserID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for relay")
	}

	// the save produced one applied change, so exactly one relay
	select {
	case update := <-updates:
		t.Fatalf("expected a single relay per applied change, got extra: %+v", update)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestClientReconnectCeiling(t *testing.T) {
	ts := newTestServer(t)

	client := newTestClient(t, ts, "tok-alice")

	client.options.MaxReconnectAttempts = 2

	errs := make(chan Event, 1)

	client.On(errorEventName, func(ev Event) {
		select {
		case errs <- ev:
		default:
		}
	})

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	// invalidate the session and drop the server so every redial fails
	ts.sessions.Remove("tok-alice")

	ts.server.gateway.Stop()

	select {
	case <-errs:
	case <-time.After(10 * time.Second):
		t.Fatal("expected a terminal error event after reconnect attempts were exhausted")
	}
}
