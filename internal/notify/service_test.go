package notify

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"biliradar/internal/bili"
	"biliradar/internal/storage"
	"biliradar/internal/transport"
	logx "biliradar/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []sentMsg
	fail  map[int64]error // per-chat send error
	calls int
}

type sentMsg struct {
	to   transport.ChatTarget
	text string
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- transport.Message) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                                { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.fail[to.ChatID]; err != nil {
		return transport.MessageRef{}, err
	}
	f.sent = append(f.sent, sentMsg{to: to, text: text})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: f.calls}, nil
}

func testStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "t.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

var testItem = &bili.Item{
	BVID: "BV1xx411c7mD", Title: "hello", Author: "alice", MID: 1, CreatedTS: 100,
}

func TestDeliverRendersTemplate(t *testing.T) {
	ad := &fakeAdapter{}
	svc := New(Config{Template: "{author}: {title} ({bvid}) {url}"}, ad, testStore(t), logx.Nop())

	if err := svc.Deliver(context.Background(), "-100123", testItem); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(ad.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(ad.sent))
	}
	want := "alice: hello (BV1xx411c7mD) https://www.bilibili.com/video/BV1xx411c7mD"
	if ad.sent[0].text != want {
		t.Errorf("text = %q, want %q", ad.sent[0].text, want)
	}
	if ad.sent[0].to.ChatID != -100123 || ad.sent[0].to.ThreadID != 0 {
		t.Errorf("target = %+v, want chat -100123", ad.sent[0].to)
	}
}

func TestDeliverDefaultTemplate(t *testing.T) {
	ad := &fakeAdapter{}
	svc := New(Config{}, ad, testStore(t), logx.Nop())

	if err := svc.Deliver(context.Background(), "-100123", testItem); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	want := "🎬 alice uploaded a new video\nhello\nhttps://www.bilibili.com/video/BV1xx411c7mD"
	if ad.sent[0].text != want {
		t.Errorf("text = %q, want %q", ad.sent[0].text, want)
	}
}

func TestDeliverThreadDestination(t *testing.T) {
	ad := &fakeAdapter{}
	svc := New(Config{}, ad, testStore(t), logx.Nop())

	if err := svc.Deliver(context.Background(), "-100123:42", testItem); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got := ad.sent[0].to; got.ChatID != -100123 || got.ThreadID != 42 {
		t.Fatalf("target = %+v, want chat -100123 thread 42", got)
	}
}

func TestDeliverBadDestination(t *testing.T) {
	svc := New(Config{}, &fakeAdapter{}, testStore(t), logx.Nop())
	if err := svc.Deliver(context.Background(), "not-a-chat", testItem); err == nil {
		t.Fatal("Deliver accepted an undecodable destination")
	}
}

func TestDeliverChatMigration(t *testing.T) {
	st := testStore(t)
	ad := &fakeAdapter{fail: map[int64]error{
		-100123: &transport.ChatMigratedError{OldChatID: -100123, NewChatID: -100999},
	}}
	svc := New(Config{}, ad, st, logx.Nop())

	if err := svc.Deliver(context.Background(), "-100123", testItem); err != nil {
		t.Fatalf("Deliver after migration: %v", err)
	}
	if len(ad.sent) != 1 || ad.sent[0].to.ChatID != -100999 {
		t.Fatalf("retry did not target the migrated chat: %+v", ad.sent)
	}

	// The new route is persisted, so later sends skip the stale chat.
	chatID, _, ok, err := st.ResolveDestination(context.Background(), "-100123")
	if err != nil || !ok || chatID != -100999 {
		t.Fatalf("migrated route not persisted: chat=%d ok=%v err=%v", chatID, ok, err)
	}

	ad.mu.Lock()
	ad.calls = 0
	ad.sent = nil
	ad.mu.Unlock()
	if err := svc.Deliver(context.Background(), "-100123", testItem); err != nil {
		t.Fatalf("Deliver via stored route: %v", err)
	}
	if ad.calls != 1 || ad.sent[0].to.ChatID != -100999 {
		t.Fatalf("stored route not used: calls=%d sent=%+v", ad.calls, ad.sent)
	}
}

func TestDestinationFor(t *testing.T) {
	if got := DestinationFor(-100123, 0); got != "-100123" {
		t.Errorf("DestinationFor = %q, want -100123", got)
	}
	if got := DestinationFor(-100123, 42); got != "-100123:42" {
		t.Errorf("DestinationFor = %q, want -100123:42", got)
	}
	// Round trip.
	target, err := ParseDestination(DestinationFor(-5, 9))
	if err != nil || target.ChatID != -5 || target.ThreadID != 9 {
		t.Errorf("round trip = %+v, %v", target, err)
	}
}
