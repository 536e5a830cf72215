package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zhishimianbao/tripmind/internal/events"
)

func TestAccountant_Record(t *testing.T) {
	sink := NewMemorySink()
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	a := NewAccountant(sink, bus, nil)
	rec, err := a.Record(context.Background(), Record{
		SessionID:        "s1",
		Model:            "qwen-plus",
		PromptTokens:     120,
		CompletionTokens: 340,
		Stage:            "plan",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.ID == "" {
		t.Error("id not assigned")
	}
	if rec.TotalTokens != 460 {
		t.Errorf("total = %d, want 460", rec.TotalTokens)
	}
	if rec.CreatedTime.IsZero() {
		t.Error("created time not set")
	}

	stored := sink.Records()
	if len(stored) != 1 || stored[0].ID != rec.ID {
		t.Fatalf("stored = %+v", stored)
	}

	select {
	case e := <-ch:
		if e.Kind != events.KindUsage || e.Data["total_tokens"] != 460 {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no usage event")
	}
}

func TestAccountant_RecordIgnoresSuppliedTotal(t *testing.T) {
	a := NewAccountant(NewMemorySink(), nil, nil)
	rec, _ := a.Record(context.Background(), Record{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 100})
	if rec.TotalTokens != 7 {
		t.Errorf("total = %d, want 7", rec.TotalTokens)
	}
}

func TestAccountant_PersistenceError(t *testing.T) {
	sink := NewMemorySink()
	boom := errors.New("disk full")
	sink.FailWith(boom)

	a := NewAccountant(sink, nil, nil)
	rec, err := a.Record(context.Background(), Record{SessionID: "s", PromptTokens: 1})
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *PersistenceError", err)
	}
	if perr.RecordID != rec.ID || !errors.Is(err, boom) {
		t.Errorf("perr = %+v", perr)
	}
}

func TestAccountant_RecordAfterCancel(t *testing.T) {
	sink := NewMemorySink()
	a := NewAccountant(sink, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := a.Record(ctx, Record{SessionID: "s", CompletionTokens: 5, Partial: true}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(sink.Records()) != 1 {
		t.Error("cancelled request should still persist its usage")
	}
}

func TestScope_Additive(t *testing.T) {
	a := NewAccountant(nil, nil, nil)
	s := a.NewScope("plan_html")
	if s.Name() != "plan_html" {
		t.Errorf("name = %q", s.Name())
	}

	s.Add(Record{PromptTokens: 120, CompletionTokens: 340})
	s.Add(Record{PromptTokens: 30, CompletionTokens: 10})

	got := s.Total()
	want := Totals{Prompt: 150, Completion: 350, Total: 500, Calls: 2}
	if got != want {
		t.Errorf("Total() = %+v, want %+v", got, want)
	}
	if len(s.Records()) != 2 {
		t.Errorf("records = %d", len(s.Records()))
	}

	s.Reset()
	if s.Total() != (Totals{}) || len(s.Records()) != 0 {
		t.Error("Reset did not clear scope")
	}
}

func TestScope_Isolated(t *testing.T) {
	a := NewAccountant(nil, nil, nil)
	s1, s2 := a.NewScope("a"), a.NewScope("b")
	s1.Add(Record{PromptTokens: 5})
	if s2.Total().Calls != 0 {
		t.Error("scopes should not share totals")
	}
}

func TestScope_Concurrent(t *testing.T) {
	s := NewAccountant(nil, nil, nil).NewScope("c")
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Add(Record{PromptTokens: 1, CompletionTokens: 1})
		}()
	}
	wg.Wait()
	if got := s.Total(); got.Total != 100 || got.Calls != 50 {
		t.Errorf("Total() = %+v", got)
	}
}

func TestMemorySink_Summary(t *testing.T) {
	m := NewMemorySink()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = m.Append(context.Background(), Record{SessionID: "s", Model: "m", PromptTokens: 2, TotalTokens: 2, CreatedTime: base})
	_ = m.Append(context.Background(), Record{SessionID: "s", Model: "m", PromptTokens: 9, TotalTokens: 9, CreatedTime: base.Add(time.Hour)})

	rep, err := m.Summary(context.Background(), base, base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Total.Records != 1 || rep.ByModel["m"].TotalTokens != 2 {
		t.Errorf("report = %+v", rep.Total)
	}
}
