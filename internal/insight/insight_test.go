package insight_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/boardobserver/internal/clock/fake"
	"github.com/MrWong99/boardobserver/internal/insight"
	"github.com/MrWong99/boardobserver/internal/speak"
	speakmock "github.com/MrWong99/boardobserver/internal/speak/mock"
	"github.com/MrWong99/boardobserver/internal/window"
	"github.com/MrWong99/boardobserver/pkg/provider/llm"
	llmmock "github.com/MrWong99/boardobserver/pkg/provider/llm/mock"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func sampleWindow(seq uint64, forced bool) window.Window {
	return window.Window{
		MeetingID: "m1",
		Seq:       seq,
		Forced:    forced,
		Fragments: []window.Fragment{
			{Speaker: "Alice", Text: "We approve the budget.", At: t0},
			{Speaker: "Bob", Text: "Carol will send the minutes.", At: t0},
		},
	}
}

func TestOnWindow_PostsInsight(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Budget approved; Carol owns the minutes."}}
	chat, discord := &speakmock.TextSender{}, &speakmock.TextSender{}
	g := insight.New(p, []speak.TextSender{chat, discord}, insight.WithClock(fake.New(t0)))

	if err := g.OnWindow(context.Background(), sampleWindow(1, false)); err != nil {
		t.Fatalf("OnWindow: %v", err)
	}
	for _, s := range []*speakmock.TextSender{chat, discord} {
		texts := s.Texts()
		if len(texts) != 1 || texts[0] != "Insight: Budget approved; Carol owns the minutes." {
			t.Fatalf("unexpected posts %q", texts)
		}
	}
	req := p.Calls()[0].Req
	if req.SystemPrompt != insight.DefaultPrompt {
		t.Errorf("want default prompt, got %q", req.SystemPrompt)
	}
	if want := "Alice: We approve the budget.\nBob: Carol will send the minutes."; req.Messages[0].Content != want {
		t.Errorf("want transcript %q, got %q", want, req.Messages[0].Content)
	}
}

func TestOnWindow_RateLimited(t *testing.T) {
	t.Parallel()

	clk := fake.New(t0)
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "note"}}
	out := &speakmock.TextSender{}
	g := insight.New(p, []speak.TextSender{out}, insight.WithClock(clk), insight.WithMinInterval(time.Minute))

	ctx := context.Background()
	_ = g.OnWindow(ctx, sampleWindow(1, false))
	clk.Advance(30 * time.Second)
	_ = g.OnWindow(ctx, sampleWindow(2, false))
	if len(out.Texts()) != 1 || len(p.Calls()) != 1 {
		t.Fatalf("want second window rate limited, got %d posts", len(out.Texts()))
	}

	_ = g.OnWindow(ctx, sampleWindow(3, true))
	if len(out.Texts()) != 2 {
		t.Fatalf("want forced window to bypass interval, got %d posts", len(out.Texts()))
	}

	clk.Advance(time.Minute)
	_ = g.OnWindow(ctx, sampleWindow(4, false))
	if len(out.Texts()) != 3 {
		t.Fatalf("want post after interval, got %d", len(out.Texts()))
	}
}

func TestOnWindow_NothingToSay(t *testing.T) {
	t.Parallel()

	for _, reply := range []string{"NONE", " none. ", ""} {
		p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: reply}}
		out := &speakmock.TextSender{}
		g := insight.New(p, []speak.TextSender{out})
		if err := g.OnWindow(context.Background(), sampleWindow(1, false)); err != nil {
			t.Fatalf("OnWindow(%q): %v", reply, err)
		}
		if len(out.Texts()) != 0 {
			t.Fatalf("reply %q should not be posted", reply)
		}
	}
}

func TestOnWindow_Suppressed(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "note"}}
	g := insight.New(p, nil, insight.WithSuppress(func(id string) bool { return id == "m1" }))
	if err := g.OnWindow(context.Background(), sampleWindow(1, false)); err != nil {
		t.Fatalf("OnWindow: %v", err)
	}
	if len(p.Calls()) != 0 {
		t.Fatal("suppressed meeting should not reach the model")
	}
}

func TestOnWindow_Errors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	g := insight.New(&llmmock.Provider{CompleteErr: boom}, nil)
	if err := g.OnWindow(context.Background(), sampleWindow(1, false)); !errors.Is(err, boom) {
		t.Fatalf("want provider error, got %v", err)
	}

	bad := &speakmock.TextSender{Err: errors.New("channel gone")}
	good := &speakmock.TextSender{}
	g = insight.New(&llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "note"}},
		[]speak.TextSender{bad, good})
	if err := g.OnWindow(context.Background(), sampleWindow(1, false)); err == nil {
		t.Fatal("want sender error")
	}
	if len(good.Texts()) != 1 {
		t.Fatal("want remaining senders to receive the insight")
	}
}
