package dispatch

import (
	"context"
	"io"

	"github.com/naumanjadev/telegpt/internal/domain"
)

// Completer is the completion backend: streamed and one-shot chat, image
// generation and audio transcription.
type Completer interface {
	ChatStream(ctx context.Context, chatID int64, query string) (domain.FrameStream, error)
	Chat(ctx context.Context, chatID int64, query string) (string, int64, error)
	GenerateImage(ctx context.Context, prompt string) (url, size string, err error)
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
	Reset(chatID int64)
}

// Resolver turns an inbound event into a policy-ready actor.
type Resolver interface {
	Resolve(ctx context.Context, ev domain.Event) domain.Actor
}

// Ledger records priced actions and answers the monthly cost the budget
// gate evaluates.
type Ledger interface {
	AddChatTokens(id domain.Identity, tokens int64, pricePerThousand float64)
	AddImage(id domain.Identity, size string, prices domain.PriceTable)
	AddTranscriptionSeconds(id domain.Identity, seconds float64, prices domain.PriceTable)
	CostMonth(id domain.Identity) float64
}

// Reporter renders the usage report behind /stats.
type Reporter interface {
	Render(actor domain.Actor) string
}

// FileFetcher streams a transport-held file, returning its content and name.
type FileFetcher interface {
	FetchFile(ctx context.Context, fileID string) (io.ReadCloser, string, error)
}

// PhotoSender posts an image by URL.
type PhotoSender interface {
	SendPhotoURL(ctx context.Context, chat domain.ChatRef, photoURL string, replyTo int) error
}

// Indicator drives the in-flight activity hint ("typing", "upload_photo").
type Indicator interface {
	Action(ctx context.Context, chat domain.ChatRef, action string) error
}
