package social

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// firstPollLookback bounds the very first fetch per user so a fresh process
// catches recently missed posts without replaying history.
const firstPollLookback = 2 * time.Minute

// TweetSource fetches new posts for a username since a watermark.
type TweetSource interface {
	NewTweetsSince(ctx context.Context, username string, since time.Time) ([]Tweet, error)
}

// TweetPublisher republishes a payload under an ordering key.
type TweetPublisher interface {
	PublishJSON(ctx context.Context, key string, payload any) error
}

// TweetIngestor polls monitored accounts and republishes new posts to the
// bus. Deduplication is by time: each user carries a last-fetch watermark and
// only posts strictly newer than it are forwarded.
type TweetIngestor struct {
	source    TweetSource
	publisher TweetPublisher
	logger    *slog.Logger
	clock     func() time.Time

	mu         sync.Mutex
	watermarks map[string]time.Time
}

// NewTweetIngestor wires a poller from its collaborators.
func NewTweetIngestor(source TweetSource, publisher TweetPublisher, logger *slog.Logger) *TweetIngestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TweetIngestor{
		source:     source,
		publisher:  publisher,
		logger:     logger.With("component", "tweet-ingestor"),
		clock:      func() time.Time { return time.Now().UTC() },
		watermarks: map[string]time.Time{},
	}
}

// PollUser fetches and republishes new posts for one account. Fetch errors
// are logged and swallowed so one account cannot fail the cycle; the
// watermark only advances after a successful fetch.
func (ti *TweetIngestor) PollUser(ctx context.Context, username string) []Tweet {
	now := ti.clock()

	ti.mu.Lock()
	since, ok := ti.watermarks[username]
	ti.mu.Unlock()
	if !ok {
		since = now.Add(-firstPollLookback)
	}

	tweets, err := ti.source.NewTweetsSince(ctx, username, since)
	if err != nil {
		ti.logger.Error("fetch tweets failed", "username", username, "error", err)
		return nil
	}

	ti.mu.Lock()
	ti.watermarks[username] = now
	ti.mu.Unlock()

	for _, tweet := range tweets {
		if err := ti.publisher.PublishJSON(ctx, tweet.Username, tweet); err != nil {
			ti.logger.Error("publish tweet failed", "username", username, "tweet_id", tweet.TweetID, "error", err)
		}
	}

	ti.logger.Info("polled user", "username", username, "new_tweets", len(tweets))
	return tweets
}

// PollAll runs one cycle over every monitored username.
func (ti *TweetIngestor) PollAll(ctx context.Context, usernames []string) map[string][]Tweet {
	results := make(map[string][]Tweet)
	for _, username := range usernames {
		select {
		case <-ctx.Done():
			return results
		default:
		}
		if tweets := ti.PollUser(ctx, username); len(tweets) > 0 {
			results[username] = tweets
		}
	}
	return results
}
