// Package upstream implements the Consumer: the long-lived goroutine that
// holds the single upstream filtered-stream connection and republishes
// tweets matching the current follow set, per spec.md §4.1.
package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dghubble/oauth1"

	"github.com/pajbot/tweet-provider/internal/tweet"
)

// twitterTimeLayout is the fixed created_at format Twitter's v1.1 API uses.
const twitterTimeLayout = "Mon Jan 02 15:04:05 -0700 2006"

// parseTwitterTime converts a created_at string to unix seconds, defaulting
// to zero on any parse failure rather than failing the whole tweet: a
// malformed timestamp shouldn't drop an otherwise-valid message.
func parseTwitterTime(s string) int64 {
	t, err := time.Parse(twitterTimeLayout, s)
	if err != nil {
		return 0
	}
	return t.Unix()
}

// StreamClient decouples the Consumer from the concrete upstream transport:
// the consume loop itself never sees credentials or endpoint URLs, only
// this interface. Open returns a channel of raw JSON lines that is closed
// when the underlying connection ends for any reason, plus an error channel
// that receives exactly one *StreamError describing why: spec.md §4.1 says
// the Consumer never completes successfully.
type StreamClient interface {
	Open(ctx context.Context, fids []uint64) (<-chan json.RawMessage, <-chan error)
}

// HTTPStreamClient is the default StreamClient: an OAuth1-signed GET
// against a configurable filtered-stream endpoint, decoding
// newline-delimited JSON with a bufio.Scanner. statuses/filter.json is a
// user-context v1.1 endpoint, so requests are signed with the four-legged
// consumer/access credentials rather than a bearer token.
type HTTPStreamClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewHTTPStreamClient builds a client whose requests are signed with the
// given four-legged OAuth1 credentials. It carries no top-level request
// timeout: the response body is read for as long as the stream stays open,
// and stall detection is the Consumer's job, not the transport's.
func NewHTTPStreamClient(baseURL, consumerKey, consumerSecret, accessToken, accessTokenSecret string) *HTTPStreamClient {
	cfg := oauth1.NewConfig(consumerKey, consumerSecret)
	tok := oauth1.NewToken(accessToken, accessTokenSecret)
	return &HTTPStreamClient{
		BaseURL:    baseURL,
		HTTPClient: cfg.Client(context.Background(), tok),
	}
}

func (c *HTTPStreamClient) Open(ctx context.Context, fids []uint64) (<-chan json.RawMessage, <-chan error) {
	lines := make(chan json.RawMessage)
	errs := make(chan error, 1)

	follow := make([]string, len(fids))
	for i, f := range fids {
		follow[i] = strconv.FormatUint(f, 10)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL, nil)
	if err != nil {
		close(lines)
		errs <- newUnspecificError(fmt.Errorf("build request: %w", err))
		return lines, errs
	}
	req.Header.Set("Accept", "application/json")

	q := req.URL.Query()
	q.Set("follow", strings.Join(follow, ","))
	req.URL.RawQuery = q.Encode()

	go func() {
		defer close(lines)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			errs <- newNetError(err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			errs <- newStatusError(resp.StatusCode)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				// Blank-line keepalives carry no payload. They are passed
				// on as an empty object, which classify ignores, so that
				// they still reset the Consumer's stall timer.
				line = "{}"
			}
			select {
			case lines <- json.RawMessage(line):
			case <-ctx.Done():
				errs <- newNetError(ctx.Err())
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- newNetError(err)
			return
		}
		errs <- newNetError(fmt.Errorf("upstream closed the stream"))
	}()

	return lines, errs
}

// rawTweet mirrors the subset of Twitter's v1.1 statuses/filter.json shape
// the Consumer needs, independent of tweet.Tweet's internal field names
// (tweet.Tweet carries no json tags by design — see tweet.go).
type rawTweet struct {
	IDStr     string `json:"id_str"`
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
	CreatedAt string `json:"created_at"`
	User      struct {
		IDStr      string `json:"id_str"`
		ScreenName string `json:"screen_name"`
		Name       string `json:"name"`
	} `json:"user"`
	InReplyToUserIDStr   *string `json:"in_reply_to_user_id_str"`
	InReplyToScreenName  *string `json:"in_reply_to_screen_name"`
	InReplyToStatusIDStr *string `json:"in_reply_to_status_id_str"`
	Entities             struct {
		URLs []struct {
			URL         string `json:"url"`
			DisplayURL  string `json:"display_url"`
			ExpandedURL string `json:"expanded_url"`
			Indices     [2]int `json:"indices"`
		} `json:"urls"`
	} `json:"entities"`
}

// rawControl recognizes the disconnect/warning/friends-list envelopes the
// streaming API interleaves with tweets, per spec.md §4.1's dispatch list.
type rawControl struct {
	Disconnect *struct {
		Code   int    `json:"code"`
		Reason string `json:"reason"`
	} `json:"disconnect"`
	Warning *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"warning"`
	Friends []uint64 `json:"friends"`
}

// classify turns one raw JSON line into a tweet.Tweet, or reports that the
// line was a control frame (disconnect/warning/friends-list/keepalive) per
// spec.md §4.1's dispatch table. isDisconnect distinguishes a genuine
// upstream disconnect notice, which the Consumer logs and keeps reading
// past until the connection actually closes, from frames that are simply
// ignored.
func classify(raw json.RawMessage) (t tweet.Tweet, isControl, isDisconnect bool, err error) {
	var ctrl rawControl
	if err := json.Unmarshal(raw, &ctrl); err != nil {
		return tweet.Tweet{}, false, false, err
	}
	if ctrl.Disconnect != nil {
		return tweet.Tweet{}, true, true, nil
	}
	if ctrl.Warning != nil || ctrl.Friends != nil {
		return tweet.Tweet{}, true, false, nil
	}

	var rt rawTweet
	if err := json.Unmarshal(raw, &rt); err != nil {
		return tweet.Tweet{}, false, false, err
	}
	if rt.IDStr == "" {
		// Neither a tweet nor a recognized control frame: an
		// administrative frame we don't model. Ignore.
		return tweet.Tweet{}, true, false, nil
	}

	id, err := strconv.ParseUint(rt.IDStr, 10, 64)
	if err != nil {
		return tweet.Tweet{}, false, false, fmt.Errorf("parse id_str: %w", err)
	}
	authorID, err := strconv.ParseUint(rt.User.IDStr, 10, 64)
	if err != nil {
		return tweet.Tweet{}, false, false, fmt.Errorf("parse user.id_str: %w", err)
	}

	var inReplyTo tweet.InReplyTo
	if rt.InReplyToUserIDStr != nil {
		if v, err := strconv.ParseUint(*rt.InReplyToUserIDStr, 10, 64); err == nil {
			inReplyTo.UserID = &v
		}
	}
	inReplyTo.ScreenName = rt.InReplyToScreenName
	if rt.InReplyToStatusIDStr != nil {
		if v, err := strconv.ParseUint(*rt.InReplyToStatusIDStr, 10, 64); err == nil {
			inReplyTo.StatusID = &v
		}
	}

	urls := make([]tweet.URL, 0, len(rt.Entities.URLs))
	for _, u := range rt.Entities.URLs {
		urls = append(urls, tweet.URL{
			URL:         u.URL,
			DisplayURL:  u.DisplayURL,
			ExpandedURL: u.ExpandedURL,
			RangeStart:  u.Indices[0],
			RangeEnd:    u.Indices[1],
		})
	}

	createdAt := parseTwitterTime(rt.CreatedAt)

	return tweet.Tweet{
		ID:        id,
		AuthorID:  authorID,
		CreatedAt: createdAt,
		Text:      rt.Text,
		Truncated: rt.Truncated,
		User: tweet.User{
			ID:         authorID,
			ScreenName: rt.User.ScreenName,
			Name:       rt.User.Name,
		},
		InReplyTo: inReplyTo,
		URLs:      urls,
	}, false, false, nil
}
