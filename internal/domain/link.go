package domain

import (
	"fmt"
	"strings"
)

type LinkStatus string

const (
	LinkValid   LinkStatus = "Valid"
	LinkInvalid LinkStatus = "Invalid"
	LinkPending LinkStatus = "Pending"
)

// Link is a playable upstream location for one media file as returned by the
// link catalogue.
type Link struct {
	ID           string            `json:"id"`
	PlayableLink string            `json:"playableLink"`
	Headers      map[string]string `json:"headers,omitempty"`
	SpeedRank    float64           `json:"speedRank"`
	Status       LinkStatus        `json:"status"`
	Title        string            `json:"title,omitempty"`
	ContentType  string            `json:"contentType,omitempty"`
	LastModified string            `json:"lastModified,omitempty"`
}

func (l Link) Valid() bool {
	return l.Status == LinkValid && strings.TrimSpace(l.PlayableLink) != ""
}

func (l Link) Source() Source {
	headers := make(map[string]string, len(l.Headers))
	for k, v := range l.Headers {
		headers[k] = v
	}
	return Source{
		ID:        l.ID,
		URL:       l.PlayableLink,
		Headers:   headers,
		SpeedRank: l.SpeedRank,
		Status:    l.Status,
	}
}

// Source is one ranked upstream URL a fetch session can read from.
type Source struct {
	ID        string
	URL       string
	Headers   map[string]string
	SpeedRank float64
	Status    LinkStatus
}

// MediaKey identifies a logical media file.
type MediaKey struct {
	ExternalID string
	Size       int64
}

func NewMediaKey(externalID string, size int64) (MediaKey, error) {
	id := strings.ToLower(strings.TrimSpace(externalID))
	if id == "" {
		return MediaKey{}, fmt.Errorf("%w: empty id", ErrInvalidMediaKey)
	}
	if size <= 0 {
		return MediaKey{}, fmt.Errorf("%w: size must be > 0", ErrInvalidMediaKey)
	}
	return MediaKey{ExternalID: id, Size: size}, nil
}

func (k MediaKey) String() string {
	return fmt.Sprintf("%s-%d", k.ExternalID, k.Size)
}
