// Package social polls TwitterAPI.io for new posts from monitored accounts
// and republishes them to the message bus keyed by username.
package social

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultBaseURL  = "https://api.twitterapi.io"
	lastTweetsPath  = "/twitter/user/last_tweets"
	twitterTimeout  = 30 * time.Second
	createdAtLayout = "Mon Jan 02 15:04:05 -0700 2006"
)

// Tweet is one normalized post from a monitored account.
type Tweet struct {
	TweetID      string    `json:"tweet_id"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
	URL          string    `json:"url,omitempty"`
	Lang         string    `json:"lang,omitempty"`
	RetweetCount int       `json:"retweet_count"`
	ReplyCount   int       `json:"reply_count"`
	LikeCount    int       `json:"like_count"`
	QuoteCount   int       `json:"quote_count"`
	ViewCount    int       `json:"view_count"`
	IsReply      bool      `json:"is_reply"`
	InReplyToID  string    `json:"in_reply_to_id,omitempty"`
}

// APIError tags a TwitterAPI.io communication failure.
type APIError struct {
	Err error
}

func (e *APIError) Error() string { return fmt.Sprintf("twitter API error: %v", e.Err) }
func (e *APIError) Unwrap() error { return e.Err }

// TwitterClient calls the TwitterAPI.io REST API.
type TwitterClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

// NewTwitterClient creates a client. The API key is required.
func NewTwitterClient(apiKey string, logger *slog.Logger) (*TwitterClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("twitter API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TwitterClient{
		httpClient: &http.Client{Timeout: twitterTimeout},
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		logger:     logger.With("component", "twitter"),
	}, nil
}

type rawAuthor struct {
	ID       string `json:"id"`
	UserName string `json:"userName"`
}

type rawTweet struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	CreatedAt    string    `json:"createdAt"`
	URL          string    `json:"url"`
	Lang         string    `json:"lang"`
	RetweetCount int       `json:"retweetCount"`
	ReplyCount   int       `json:"replyCount"`
	LikeCount    int       `json:"likeCount"`
	QuoteCount   int       `json:"quoteCount"`
	ViewCount    int       `json:"viewCount"`
	IsReply      bool      `json:"isReply"`
	InReplyToID  string    `json:"inReplyToId"`
	Author       rawAuthor `json:"author"`
}

type lastTweetsResponse struct {
	Status      string     `json:"status"`
	Message     string     `json:"message"`
	Tweets      []rawTweet `json:"tweets"`
	HasNextPage bool       `json:"has_next_page"`
	NextCursor  string     `json:"next_cursor"`
}

// NewTweetsSince fetches posts for one username newer than since, walking
// cursor pages newest-first and stopping at the watermark. Tweets at or
// before since are excluded, which is what makes repeated polling
// duplicate-free.
func (c *TwitterClient) NewTweetsSince(ctx context.Context, username string, since time.Time) ([]Tweet, error) {
	var tweets []Tweet
	cursor := ""

	for {
		page, err := c.fetchPage(ctx, username, cursor)
		if err != nil {
			return nil, err
		}
		if page.Status != "success" {
			return nil, &APIError{Err: fmt.Errorf("API status %q: %s", page.Status, page.Message)}
		}

		reachedWatermark := false
		for _, raw := range page.Tweets {
			tweet, ok := c.parseTweet(raw)
			if !ok {
				continue
			}
			if !tweet.Timestamp.After(since) {
				reachedWatermark = true
				break
			}
			tweets = append(tweets, tweet)
		}

		if reachedWatermark || !page.HasNextPage || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	return tweets, nil
}

func (c *TwitterClient) fetchPage(ctx context.Context, username, cursor string) (*lastTweetsResponse, error) {
	query := url.Values{
		"userName":       {username},
		"cursor":         {cursor},
		"includeReplies": {"false"},
	}
	reqURL := c.baseURL + lastTweetsPath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var page lastTweetsResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &APIError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return &page, nil
}

// parseTweet normalizes one API element. Posts with no id are skipped;
// unparsable timestamps fall back to now so a single odd post never stalls
// the watermark.
func (c *TwitterClient) parseTweet(raw rawTweet) (Tweet, bool) {
	if raw.ID == "" {
		return Tweet{}, false
	}

	ts, err := parseCreatedAt(raw.CreatedAt)
	if err != nil {
		c.logger.Warn("unparsable tweet timestamp", "id", raw.ID, "created_at", raw.CreatedAt)
		ts = time.Now().UTC()
	}

	return Tweet{
		TweetID:      raw.ID,
		UserID:       raw.Author.ID,
		Username:     raw.Author.UserName,
		Text:         raw.Text,
		Timestamp:    ts,
		URL:          raw.URL,
		Lang:         raw.Lang,
		RetweetCount: raw.RetweetCount,
		ReplyCount:   raw.ReplyCount,
		LikeCount:    raw.LikeCount,
		QuoteCount:   raw.QuoteCount,
		ViewCount:    raw.ViewCount,
		IsReply:      raw.IsReply,
		InReplyToID:  raw.InReplyToID,
	}, true
}

func parseCreatedAt(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, createdAtLayout} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
