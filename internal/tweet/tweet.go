// Package tweet holds the relay's tweet domain type and the wire projection
// sent to WebSocket clients.
package tweet

// User is the minimal author information carried on a Tweet.
type User struct {
	ID         uint64 `json:"id"`
	ScreenName string `json:"screen_name"`
	Name       string `json:"name"`
}

// URL is one t.co entity attached to a tweet's text.
type URL struct {
	URL         string `json:"url"`
	DisplayURL  string `json:"display_url"`
	ExpandedURL string `json:"expanded_url"`
	RangeStart  int    `json:"range_start"`
	RangeEnd    int    `json:"range_end"`
}

// InReplyTo identifies the status a tweet is replying to, when any.
type InReplyTo struct {
	UserID     *uint64 `json:"in_reply_to_user_id"`
	ScreenName *string `json:"in_reply_to_screen_name"`
	StatusID   *uint64 `json:"in_reply_to_status_id"`
}

// Tweet is the relay's internal representation of an upstream status. It
// carries at minimum what spec.md §3 requires and nothing upstream-specific
// beyond it — the Consumer is responsible for projecting whatever wider
// shape the upstream API returns down to this struct before it ever reaches
// the Supervisor or a Session.
type Tweet struct {
	ID          uint64
	AuthorID    uint64
	CreatedAt   int64 // unix seconds
	Text        string
	Truncated   bool
	User        User
	InReplyTo   InReplyTo
	URLs        []URL
}

// wireURL, wireUser and Projection mirror api.rs's SerializeWrapper: a hand-written
// Serialize impl that emits exactly the projected fields, independent of
// whatever shape Tweet happens to carry internally.
type wireURL struct {
	URL         string `json:"url"`
	DisplayURL  string `json:"display_url"`
	ExpandedURL string `json:"expanded_url"`
	RangeStart  int    `json:"range_start"`
	RangeEnd    int    `json:"range_end"`
}

type wireUser struct {
	ID         uint64 `json:"id"`
	ScreenName string `json:"screen_name"`
	Name       string `json:"name"`
}

// Projection is the exact JSON shape described in spec.md §6. Build it with
// NewProjection rather than marshaling Tweet directly, so that adding a
// field to the internal Tweet type can never silently widen the wire
// format.
type Projection struct {
	Text                string    `json:"text"`
	ID                  uint64    `json:"id"`
	CreatedAt           int64     `json:"created_at"`
	User                wireUser  `json:"user"`
	Truncated           bool      `json:"truncated"`
	InReplyToUserID     *uint64   `json:"in_reply_to_user_id"`
	InReplyToScreenName *string   `json:"in_reply_to_screen_name"`
	InReplyToStatusID   *uint64   `json:"in_reply_to_status_id"`
	URLs                []wireURL `json:"urls"`
}

// NewProjection builds the §6 wire shape for a tweet. URLs is never nil in
// the result: an absent upstream entity list becomes an empty array, not
// JSON null, since clients don't need to special-case it.
func NewProjection(t Tweet) Projection {
	urls := make([]wireURL, 0, len(t.URLs))
	for _, u := range t.URLs {
		urls = append(urls, wireURL{
			URL:         u.URL,
			DisplayURL:  u.DisplayURL,
			ExpandedURL: u.ExpandedURL,
			RangeStart:  u.RangeStart,
			RangeEnd:    u.RangeEnd,
		})
	}

	return Projection{
		Text:      t.Text,
		ID:        t.ID,
		CreatedAt: t.CreatedAt,
		User: wireUser{
			ID:         t.User.ID,
			ScreenName: t.User.ScreenName,
			Name:       t.User.Name,
		},
		Truncated:           t.Truncated,
		InReplyToUserID:     t.InReplyTo.UserID,
		InReplyToScreenName: t.InReplyTo.ScreenName,
		InReplyToStatusID:   t.InReplyTo.StatusID,
		URLs:                urls,
	}
}
