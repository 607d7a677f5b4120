package telephony

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/uniboxhq/unibox/internal/telephony/ari"
)

// MediaStorer persists recording audio and returns a servable URL.
type MediaStorer interface {
	Save(ctx context.Context, accountID, fileName, mimeType string, data []byte) (url string, err error)
}

// RecordingFetcher pulls finished recordings out of Asterisk with a
// bounded retry loop. Asterisk flushes recordings asynchronously after
// hangup, so the first attempts routinely miss.
type RecordingFetcher struct {
	logger       *slog.Logger
	store        Store
	media        MediaStorer
	maxAttempts  int
	pollInterval time.Duration

	wg sync.WaitGroup
	// baseCtx bounds background fetches so Close can stop them.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewRecordingFetcher creates a fetcher with the given retry budget.
func NewRecordingFetcher(log *slog.Logger, store Store, media MediaStorer, maxAttempts int, pollInterval time.Duration) *RecordingFetcher {
	if log == nil {
		log = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RecordingFetcher{
		logger:       log.With(slog.String("service", "recording")),
		store:        store,
		media:        media,
		maxAttempts:  maxAttempts,
		pollInterval: pollInterval,
		baseCtx:      ctx,
		cancel:       cancel,
	}
}

// FetchAsync retrieves the call's recording in the background.
func (f *RecordingFetcher) FetchAsync(call Call, control CallControl) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.Fetch(f.baseCtx, call, control)
	}()
}

// Fetch runs the bounded retry loop synchronously. After the budget is
// exhausted the call is marked recording_unavailable and the loop ends;
// the call row itself is already terminal and stays untouched otherwise.
func (f *RecordingFetcher) Fetch(ctx context.Context, call Call, control CallControl) {
	if control == nil || call.RecordingName == "" {
		return
	}
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		data, err := control.StoredRecording(ctx, call.RecordingName)
		if err == nil {
			f.storeRecording(ctx, call, control, data)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !errors.Is(err, ari.ErrNotFound) {
			f.logger.Warn("fetch recording failed",
				slog.String("call_id", call.ID),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
		}
		if attempt == f.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.pollInterval):
		}
	}

	f.logger.Warn("recording unavailable after retries",
		slog.String("call_id", call.ID),
		slog.Int("attempts", f.maxAttempts))
	if err := f.store.MarkRecordingUnavailable(ctx, call.AccountID, call.ID); err != nil {
		f.logger.Error("mark recording unavailable failed",
			slog.String("call_id", call.ID), slog.Any("error", err))
	}
}

func (f *RecordingFetcher) storeRecording(ctx context.Context, call Call, control CallControl, data []byte) {
	url, err := f.media.Save(ctx, call.AccountID, call.RecordingName+".wav", "audio/wav", data)
	if err != nil {
		f.logger.Error("store recording failed", slog.String("call_id", call.ID), slog.Any("error", err))
		return
	}
	if err := f.store.AttachRecording(ctx, call.AccountID, call.ID, url, call.DurationSeconds); err != nil {
		f.logger.Error("attach recording failed", slog.String("call_id", call.ID), slog.Any("error", err))
		return
	}
	// Best effort; Asterisk cleans its spool on its own schedule anyway.
	if err := control.DeleteStoredRecording(ctx, call.RecordingName); err != nil && !errors.Is(err, ari.ErrNotFound) {
		f.logger.Debug("delete stored recording failed",
			slog.String("call_id", call.ID), slog.Any("error", err))
	}
	f.logger.Info("recording stored", slog.String("call_id", call.ID), slog.String("url", url))
}

// Close stops background fetches and waits for them.
func (f *RecordingFetcher) Close() {
	f.cancel()
	f.wg.Wait()
}
