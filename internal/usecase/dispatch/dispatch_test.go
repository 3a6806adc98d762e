package dispatch

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/naumanjadev/telegpt/internal/domain"
	"github.com/naumanjadev/telegpt/internal/usecase/policy"
	"github.com/naumanjadev/telegpt/internal/usecase/stream"
)

type sentMessage struct {
	Text    string
	ReplyTo int
}

type fakeTransport struct {
	sends  []sentMessage
	nextID int
}

func (f *fakeTransport) Send(_ context.Context, chat domain.ChatRef, text string, replyTo int) (domain.MessageRef, error) {
	f.sends = append(f.sends, sentMessage{Text: text, ReplyTo: replyTo})
	f.nextID++
	return domain.MessageRef{ChatID: chat.ID, MessageID: f.nextID}, nil
}

func (f *fakeTransport) Edit(context.Context, domain.MessageRef, string) error { return nil }

func (f *fakeTransport) Delete(context.Context, domain.MessageRef) error { return nil }

type fakeStream struct {
	frames chan domain.StreamFrame
	err    error
}

func (f *fakeStream) Frames() <-chan domain.StreamFrame { return f.frames }
func (f *fakeStream) Err() error                        { return f.err }

type fakeCompleter struct {
	chatCalls  []string
	answer     string
	tokens     int64
	chatErr    error
	streamErr  error
	frames     []domain.StreamFrame
	imageURL   string
	imageSize  string
	imageErr   error
	transcript string
	resetChats []int64
}

func (f *fakeCompleter) ChatStream(_ context.Context, _ int64, query string) (domain.FrameStream, error) {
	f.chatCalls = append(f.chatCalls, query)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	st := &fakeStream{frames: make(chan domain.StreamFrame, len(f.frames))}
	for _, fr := range f.frames {
		st.frames <- fr
	}
	close(st.frames)
	return st, nil
}

func (f *fakeCompleter) Chat(_ context.Context, _ int64, query string) (string, int64, error) {
	f.chatCalls = append(f.chatCalls, query)
	if f.chatErr != nil {
		return "", 0, f.chatErr
	}
	return f.answer, f.tokens, nil
}

func (f *fakeCompleter) GenerateImage(context.Context, string) (string, string, error) {
	if f.imageErr != nil {
		return "", "", f.imageErr
	}
	return f.imageURL, f.imageSize, nil
}

func (f *fakeCompleter) Transcribe(context.Context, string, io.Reader) (string, error) {
	return f.transcript, nil
}

func (f *fakeCompleter) Reset(chatID int64) { f.resetChats = append(f.resetChats, chatID) }

type tokenRecord struct {
	ID     domain.Identity
	Tokens int64
}

type fakeLedger struct {
	costMonth  map[string]float64
	tokenAdds  []tokenRecord
	imageAdds  []domain.Identity
	secondAdds []domain.Identity
}

func (f *fakeLedger) AddChatTokens(id domain.Identity, tokens int64, _ float64) {
	f.tokenAdds = append(f.tokenAdds, tokenRecord{ID: id, Tokens: tokens})
}

func (f *fakeLedger) AddImage(id domain.Identity, _ string, _ domain.PriceTable) {
	f.imageAdds = append(f.imageAdds, id)
}

func (f *fakeLedger) AddTranscriptionSeconds(id domain.Identity, _ float64, _ domain.PriceTable) {
	f.secondAdds = append(f.secondAdds, id)
}

func (f *fakeLedger) CostMonth(id domain.Identity) float64 { return f.costMonth[id.Key()] }

type fakeResolver struct{ cfg policy.Config }

func (f *fakeResolver) Resolve(_ context.Context, ev domain.Event) domain.Actor {
	return domain.Actor{
		Identity:                ev.From,
		IsAdmin:                 f.cfg.IsAdmin(ev.From.ID),
		ChatKind:                ev.Chat.Kind,
		GroupHasPermittedMember: true,
	}
}

type fakePhotos struct {
	urls []string
	err  error
}

func (f *fakePhotos) SendPhotoURL(_ context.Context, _ domain.ChatRef, photoURL string, _ int) error {
	if f.err != nil {
		return f.err
	}
	f.urls = append(f.urls, photoURL)
	return nil
}

type fakeFiles struct{ name string }

func (f *fakeFiles) FetchFile(context.Context, string) (io.ReadCloser, string, error) {
	return io.NopCloser(strings.NewReader("audio-bytes")), f.name, nil
}

type fakeReporter struct{ text string }

func (f *fakeReporter) Render(domain.Actor) string { return f.text }

func testMessages() Messages {
	return Messages{
		Help:            "help text",
		Disallowed:      "you are not allowed",
		BudgetReached:   "budget reached",
		TurnFailed:      "something went wrong",
		ResetDone:       "done",
		NothingToResend: "nothing to resend",
	}
}

func testTuning() stream.Tuning {
	return stream.Tuning{
		Capacity:    4096,
		Placeholder: "...",
	}
}

type fixture struct {
	dispatcher *Dispatcher
	transport  *fakeTransport
	completer  *fakeCompleter
	ledger     *fakeLedger
	photos     *fakePhotos
}

func newFixture(cfg Config, completer *fakeCompleter, ledger *fakeLedger) *fixture {
	tr := &fakeTransport{}
	photos := &fakePhotos{}
	d := New(
		tr,
		photos,
		nil, // no activity indicator in tests
		&fakeFiles{name: "voice.ogg"},
		completer,
		&fakeResolver{cfg: cfg.Policy},
		ledger,
		&fakeReporter{text: "usage report"},
		testTuning(),
		cfg,
		zap.NewNop(),
	)
	return &fixture{dispatcher: d, transport: tr, completer: completer, ledger: ledger, photos: photos}
}

func privateEvent(userID domain.UserID, text string) domain.Event {
	return domain.Event{
		Chat:      domain.ChatRef{ID: 100, Kind: domain.ChatPrivate},
		MessageID: 9,
		From:      domain.Identity{ID: userID, Name: "alice"},
		Text:      text,
	}
}

func allowedConfig() Config {
	return Config{
		ChunkCapacity: 4096,
		Policy: policy.Config{
			AllowedUserIDs: []domain.UserID{42},
			UserBudgets:    []float64{10},
			GuestBudget:    5,
		},
		Prices:   domain.PriceTable{TokenPrice: 0.002},
		Messages: testMessages(),
	}
}

func TestHandleChat_AccessDeniedSkipsCompleter(t *testing.T) {
	f := newFixture(allowedConfig(), &fakeCompleter{answer: "hi"}, &fakeLedger{})

	f.dispatcher.HandleChat(context.Background(), privateEvent(999, "hello"))

	if len(f.completer.chatCalls) != 0 {
		t.Error("completer must not run for denied users")
	}
	if len(f.transport.sends) != 1 || f.transport.sends[0].Text != "you are not allowed" {
		t.Errorf("expected disallowed message, got %+v", f.transport.sends)
	}
	if len(f.ledger.tokenAdds) != 0 {
		t.Error("denied turn must not record usage")
	}
}

func TestHandleChat_BudgetDeniedSkipsCompleter(t *testing.T) {
	ledger := &fakeLedger{costMonth: map[string]float64{"42": 10}}
	f := newFixture(allowedConfig(), &fakeCompleter{answer: "hi"}, ledger)

	f.dispatcher.HandleChat(context.Background(), privateEvent(42, "hello"))

	if len(f.completer.chatCalls) != 0 {
		t.Error("completer must not run past an exhausted budget")
	}
	if len(f.transport.sends) != 1 || f.transport.sends[0].Text != "budget reached" {
		t.Errorf("expected budget message, got %+v", f.transport.sends)
	}
}

func TestHandleChat_PlainTurnRecordsTokens(t *testing.T) {
	completer := &fakeCompleter{answer: "the answer", tokens: 150}
	ledger := &fakeLedger{}
	f := newFixture(allowedConfig(), completer, ledger)

	f.dispatcher.HandleChat(context.Background(), privateEvent(42, "the question"))

	if len(f.transport.sends) != 1 {
		t.Fatalf("expected 1 send, got %d", len(f.transport.sends))
	}
	if f.transport.sends[0].Text != "the answer" || f.transport.sends[0].ReplyTo != 9 {
		t.Errorf("unexpected send %+v", f.transport.sends[0])
	}
	if len(ledger.tokenAdds) != 1 || ledger.tokenAdds[0].Tokens != 150 {
		t.Errorf("expected one 150-token record, got %+v", ledger.tokenAdds)
	}
	if ledger.tokenAdds[0].ID.Key() != "42" {
		t.Errorf("recorded against wrong identity %q", ledger.tokenAdds[0].ID.Key())
	}
}

func TestHandleChat_StreamTurnRecordsFinalTokens(t *testing.T) {
	cfg := allowedConfig()
	cfg.Stream = true
	completer := &fakeCompleter{frames: []domain.StreamFrame{
		{Text: "partial answer", Tokens: domain.PendingTokens()},
		{Text: "partial answer, complete", IsLast: true, Tokens: domain.FinalTokens(21)},
	}}
	ledger := &fakeLedger{}
	f := newFixture(cfg, completer, ledger)

	f.dispatcher.HandleChat(context.Background(), privateEvent(42, "question"))

	if len(ledger.tokenAdds) != 1 || ledger.tokenAdds[0].Tokens != 21 {
		t.Errorf("expected final count 21 recorded, got %+v", ledger.tokenAdds)
	}
	if len(f.transport.sends) != 1 || f.transport.sends[0].Text != "partial answer" {
		t.Errorf("unexpected sends %+v", f.transport.sends)
	}
}

func TestHandleChat_GuestPoolDoubleRecord(t *testing.T) {
	completer := &fakeCompleter{answer: "a", tokens: 50}
	ledger := &fakeLedger{}
	f := newFixture(allowedConfig(), completer, ledger)

	ev := domain.Event{
		Chat:      domain.ChatRef{ID: -100, Kind: domain.ChatGroup},
		MessageID: 3,
		From:      domain.Identity{ID: 777, Name: "stranger"},
		Text:      "hello",
	}
	f.dispatcher.HandleChat(context.Background(), ev)

	if len(ledger.tokenAdds) != 2 {
		t.Fatalf("expected user and guest-pool records, got %+v", ledger.tokenAdds)
	}
	if ledger.tokenAdds[0].ID.Key() != "777" || ledger.tokenAdds[1].ID.Key() != "guests" {
		t.Errorf("unexpected debtors %+v", ledger.tokenAdds)
	}
}

func TestHandleChat_EnumeratedGroupUserDebitsOnlyThemselves(t *testing.T) {
	completer := &fakeCompleter{answer: "a", tokens: 50}
	ledger := &fakeLedger{}
	f := newFixture(allowedConfig(), completer, ledger)

	ev := domain.Event{
		Chat: domain.ChatRef{ID: -100, Kind: domain.ChatGroup},
		From: domain.Identity{ID: 42, Name: "alice"},
		Text: "hello",
	}
	f.dispatcher.HandleChat(context.Background(), ev)

	if len(ledger.tokenAdds) != 1 || ledger.tokenAdds[0].ID.Key() != "42" {
		t.Errorf("expected single user record, got %+v", ledger.tokenAdds)
	}
}

func TestHandleChat_UpstreamFailureRecordsNothing(t *testing.T) {
	completer := &fakeCompleter{chatErr: errors.New("backend down")}
	ledger := &fakeLedger{}
	f := newFixture(allowedConfig(), completer, ledger)

	f.dispatcher.HandleChat(context.Background(), privateEvent(42, "question"))

	if len(ledger.tokenAdds) != 0 {
		t.Error("failed turn must not record usage")
	}
	last := f.transport.sends[len(f.transport.sends)-1]
	if last.Text != "something went wrong" {
		t.Errorf("expected failure message, got %q", last.Text)
	}
}

func TestHandleChat_LongAnswerIsChunked(t *testing.T) {
	cfg := allowedConfig()
	cfg.ChunkCapacity = 10
	completer := &fakeCompleter{answer: strings.Repeat("x", 25), tokens: 5}
	f := newFixture(cfg, completer, &fakeLedger{})

	f.dispatcher.HandleChat(context.Background(), privateEvent(42, "q"))

	if len(f.transport.sends) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(f.transport.sends))
	}
	if f.transport.sends[0].ReplyTo != 9 {
		t.Error("first chunk must quote the trigger message")
	}
	if f.transport.sends[1].ReplyTo != 0 || f.transport.sends[2].ReplyTo != 0 {
		t.Error("later chunks must not quote")
	}
}

func TestHandleImage_RecordsOnSuccessOnly(t *testing.T) {
	completer := &fakeCompleter{imageURL: "https://img.example/1.png", imageSize: "512x512"}
	ledger := &fakeLedger{}
	f := newFixture(allowedConfig(), completer, ledger)

	f.dispatcher.HandleImage(context.Background(), privateEvent(42, "a cat"))

	if len(f.photos.urls) != 1 || f.photos.urls[0] != "https://img.example/1.png" {
		t.Errorf("expected photo sent, got %+v", f.photos.urls)
	}
	if len(ledger.imageAdds) != 1 {
		t.Errorf("expected one image record, got %d", len(ledger.imageAdds))
	}
}

func TestHandleImage_FailureRecordsNothing(t *testing.T) {
	completer := &fakeCompleter{imageErr: errors.New("backend down")}
	ledger := &fakeLedger{}
	f := newFixture(allowedConfig(), completer, ledger)

	f.dispatcher.HandleImage(context.Background(), privateEvent(42, "a cat"))

	if len(ledger.imageAdds) != 0 {
		t.Error("failed generation must not record usage")
	}
	last := f.transport.sends[len(f.transport.sends)-1]
	if last.Text != "something went wrong" {
		t.Errorf("expected failure message, got %q", last.Text)
	}
}

func TestHandleTranscribe_SendsTranscriptAndRecordsSeconds(t *testing.T) {
	completer := &fakeCompleter{transcript: "hello from the voice note"}
	ledger := &fakeLedger{}
	f := newFixture(allowedConfig(), completer, ledger)

	audio := domain.AudioRef{FileID: "f1", Seconds: 42}
	f.dispatcher.HandleTranscribe(context.Background(), privateEvent(42, ""), audio)

	if len(f.transport.sends) != 1 || f.transport.sends[0].Text != "hello from the voice note" {
		t.Errorf("expected transcript reply, got %+v", f.transport.sends)
	}
	if len(ledger.secondAdds) != 1 {
		t.Errorf("expected one transcription record, got %d", len(ledger.secondAdds))
	}
}

func TestHandleTranscribe_IgnoredInGroupsWhenConfigured(t *testing.T) {
	cfg := allowedConfig()
	cfg.IgnoreGroupTranscriptions = true
	ledger := &fakeLedger{}
	f := newFixture(cfg, &fakeCompleter{transcript: "hi"}, ledger)

	ev := domain.Event{
		Chat: domain.ChatRef{ID: -100, Kind: domain.ChatGroup},
		From: domain.Identity{ID: 42},
	}
	f.dispatcher.HandleTranscribe(context.Background(), ev, domain.AudioRef{FileID: "f1", Seconds: 10})

	if len(f.transport.sends) != 0 || len(ledger.secondAdds) != 0 {
		t.Error("group transcription must be dropped entirely")
	}
}

func TestHandleReset_ClearsConversation(t *testing.T) {
	completer := &fakeCompleter{}
	f := newFixture(allowedConfig(), completer, &fakeLedger{})

	f.dispatcher.HandleReset(context.Background(), privateEvent(42, ""))

	if len(completer.resetChats) != 1 || completer.resetChats[0] != 100 {
		t.Errorf("expected reset of chat 100, got %v", completer.resetChats)
	}
	if f.transport.sends[0].Text != "done" {
		t.Errorf("expected confirmation, got %q", f.transport.sends[0].Text)
	}
}

func TestHandleStats_SendsReport(t *testing.T) {
	f := newFixture(allowedConfig(), &fakeCompleter{}, &fakeLedger{})

	f.dispatcher.HandleStats(context.Background(), privateEvent(42, ""))

	if len(f.transport.sends) != 1 || f.transport.sends[0].Text != "usage report" {
		t.Errorf("expected usage report, got %+v", f.transport.sends)
	}
}

func TestHandleResend_RepeatsLastPrompt(t *testing.T) {
	completer := &fakeCompleter{answer: "a", tokens: 1}
	f := newFixture(allowedConfig(), completer, &fakeLedger{})
	ev := privateEvent(42, "original question")

	f.dispatcher.HandleChat(context.Background(), ev)
	f.dispatcher.HandleResend(context.Background(), privateEvent(42, "/resend"))

	if len(completer.chatCalls) != 2 {
		t.Fatalf("expected 2 completer calls, got %d", len(completer.chatCalls))
	}
	if completer.chatCalls[1] != "original question" {
		t.Errorf("resend used %q", completer.chatCalls[1])
	}
}

func TestHandleResend_WithoutHistory(t *testing.T) {
	completer := &fakeCompleter{}
	f := newFixture(allowedConfig(), completer, &fakeLedger{})

	f.dispatcher.HandleResend(context.Background(), privateEvent(42, "/resend"))

	if len(completer.chatCalls) != 0 {
		t.Error("nothing to resend must not reach the completer")
	}
	if f.transport.sends[0].Text != "nothing to resend" {
		t.Errorf("expected nothing-to-resend message, got %q", f.transport.sends[0].Text)
	}
}

func TestHandleHelp_IsUngated(t *testing.T) {
	f := newFixture(allowedConfig(), &fakeCompleter{}, &fakeLedger{})

	f.dispatcher.HandleHelp(context.Background(), privateEvent(999, "/help"))

	if len(f.transport.sends) != 1 || f.transport.sends[0].Text != "help text" {
		t.Errorf("expected help for unauthorised user, got %+v", f.transport.sends)
	}
}
