package upstream

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu   sync.Mutex
	data []string
}

func (s *recordingSink) Send(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, data)
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.data...)
}

type dropCounter struct {
	mu    sync.Mutex
	drops map[string]int
}

func (d *dropCounter) UpstreamDropped(channel string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.drops == nil {
		d.drops = make(map[string]int)
	}
	d.drops[channel]++
}

func TestChannelPreservesSendOrder(t *testing.T) {
	sink := &recordingSink{}
	ch := NewChannel(NameClient, sink)
	for i := 0; i < 100; i++ {
		if err := ch.Send(strconv.Itoa(i)); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	if err := ch.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	got := sink.snapshot()
	if len(got) != 100 {
		t.Fatalf("expected 100 payloads, got %d", len(got))
	}
	for i, v := range got {
		if v != strconv.Itoa(i) {
			t.Fatalf("payload %d out of order: %s", i, v)
		}
	}
}

func TestChannelSendDoesNotBlockOnSlowSink(t *testing.T) {
	release := make(chan struct{})
	sink := SinkFunc(func(string) { <-release })
	drops := &dropCounter{}
	ch := NewChannel(NameUI, sink, WithQueueSize(2), WithDropCounter(drops))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = ch.Send("x")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("send blocked on a stuck sink")
	}
	drops.mu.Lock()
	dropped := drops.drops[NameUI]
	drops.mu.Unlock()
	if dropped == 0 {
		t.Fatal("expected overflow to be counted")
	}
	close(release)
	if err := ch.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestChannelRejectsSendAfterClose(t *testing.T) {
	ch := NewChannel(NameClient, nil)
	if err := ch.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := ch.Send("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := ch.Close(context.Background()); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}

func TestChannelSurvivesPanickingSink(t *testing.T) {
	calls := 0
	sink := SinkFunc(func(data string) {
		calls++
		if data == "boom" {
			panic("host bug")
		}
	})
	ch := NewChannel(NameClient, sink)
	_ = ch.Send("boom")
	_ = ch.Send("after")
	if err := ch.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected delivery to continue after panic, got %d calls", calls)
	}
}

func TestHubReplayAndFanout(t *testing.T) {
	hub := NewHub(NameUI, 2)
	hub.Send("a")
	hub.Send("b")
	hub.Send("c")
	if hub.BacklogSize() != 2 {
		t.Fatalf("expected bounded backlog, got %d", hub.BacklogSize())
	}
	replay, live, cancel := hub.Subscribe(1)
	defer cancel()
	if len(replay) != 2 || replay[0].Data != "b" || replay[1].Data != "c" {
		t.Fatalf("unexpected replay: %+v", replay)
	}
	hub.Send("d")
	select {
	case evt := <-live:
		if evt.Data != "d" || evt.Channel != NameUI || evt.Seq != 4 {
			t.Fatalf("unexpected live event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("live event not delivered")
	}
}
