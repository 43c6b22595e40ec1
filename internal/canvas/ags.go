package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// IMS media types for Assignment and Grade Services.
const (
	MediaLineItem          = "application/vnd.ims.lis.v2.lineitem+json"
	MediaLineItemContainer = "application/vnd.ims.lis.v2.lineitemcontainer+json"
	MediaScore             = "application/vnd.ims.lis.v1.score+json"
)

type LineItem struct {
	ID             string  `json:"id,omitempty"` // absolute URL of the line item
	ScoreMaximum   float64 `json:"scoreMaximum,omitempty"`
	Label          string  `json:"label,omitempty"`
	ResourceID     string  `json:"resourceId,omitempty"`
	ResourceLinkID string  `json:"resourceLinkId,omitempty"`
	Tag            string  `json:"tag,omitempty"`
}

type CreateLineItemReq struct {
	Label        string
	ScoreMaximum float64
	ResourceID   string
}

type Score struct {
	UserID           string   `json:"userId"`
	Timestamp        string   `json:"timestamp"`
	ScoreGiven       *float64 `json:"scoreGiven,omitempty"`
	ScoreMaximum     *float64 `json:"scoreMaximum,omitempty"`
	ActivityProgress string   `json:"activityProgress"` // Initialized|Started|InProgress|Submitted|Completed
	GradingProgress  string   `json:"gradingProgress"`  // NotReady|Failed|Pending|PendingManual|FullyGraded
	Comment          string   `json:"comment,omitempty"`
}

// LineItemsURL is the course's line item container.
func LineItemsURL(base, localCourseID string) string {
	return strings.TrimSuffix(base, "/") + "/api/lti/courses/" + url.PathEscape(localCourseID) + "/line_items"
}

// LineItemID is the last path segment of a line item URL; that is what a
// poll stores as its assignment id.
func LineItemID(lineItemURL string) string {
	u, err := url.Parse(lineItemURL)
	if err != nil || u.Path == "" {
		return path.Base(strings.TrimSuffix(lineItemURL, "/"))
	}
	return path.Base(strings.TrimSuffix(u.Path, "/"))
}

// AGS issues line item and score calls for a course through the dispatcher,
// so every call gets the AGS token and a single refresh retry.
type AGS struct {
	D   *Dispatcher
	Now func() time.Time
}

func NewAGS(d *Dispatcher) *AGS { return &AGS{D: d, Now: time.Now} }

func (a *AGS) GetLineItem(ctx context.Context, courseID, lineItemURL string) (LineItem, error) {
	if lineItemURL == "" {
		return LineItem{}, errors.New("ags: line item url required")
	}
	raw, err := a.D.Send(ctx, Request{
		URL: lineItemURL, Method: http.MethodGet, CourseID: courseID, AGS: true,
		Accept: MediaLineItem,
	})
	if err != nil {
		return LineItem{}, fmt.Errorf("get line item: %w", err)
	}
	var li LineItem
	if err := json.Unmarshal(raw, &li); err != nil {
		return LineItem{}, fmt.Errorf("get line item: decode: %w", err)
	}
	return li, nil
}

// ListLineItems follows pagination; q may filter by resource_id, tag, etc.
func (a *AGS) ListLineItems(ctx context.Context, courseID, lineItemsURL string, q map[string]string) ([]LineItem, error) {
	u, err := url.Parse(lineItemsURL)
	if err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}
	vals := u.Query()
	for k, v := range q {
		if v != "" {
			vals.Set(k, v)
		}
	}
	u.RawQuery = vals.Encode()
	raw, err := a.D.Send(ctx, Request{
		URL: u.String(), Method: http.MethodGet, CourseID: courseID, AGS: true,
		Accept: MediaLineItemContainer,
	})
	if err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}
	var out []LineItem
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("list line items: decode: %w", err)
	}
	return out, nil
}

func (a *AGS) CreateLineItem(ctx context.Context, courseID, lineItemsURL string, req CreateLineItemReq) (LineItem, error) {
	if req.ScoreMaximum <= 0 {
		return LineItem{}, errors.New("ags: scoreMaximum must be > 0")
	}
	raw, err := a.D.Send(ctx, Request{
		URL: lineItemsURL, Method: http.MethodPost, CourseID: courseID, AGS: true,
		ContentType: MediaLineItem, Accept: MediaLineItem,
		Body: LineItem{Label: req.Label, ScoreMaximum: req.ScoreMaximum, ResourceID: req.ResourceID},
	})
	if err != nil {
		return LineItem{}, fmt.Errorf("create line item: %w", err)
	}
	var li LineItem
	if err := json.Unmarshal(raw, &li); err != nil {
		return LineItem{}, fmt.Errorf("create line item: decode: %w", err)
	}
	if li.ID == "" {
		return LineItem{}, errors.New("create line item: response has no id")
	}
	return li, nil
}

// PostScore posts to {lineItemURL}/scores, filling progress and timestamp
// defaults.
func (a *AGS) PostScore(ctx context.Context, courseID, lineItemURL string, s Score) error {
	if s.UserID == "" {
		return errors.New("ags: score userId required")
	}
	if s.Timestamp == "" {
		now := time.Now
		if a.Now != nil {
			now = a.Now
		}
		s.Timestamp = now().UTC().Format(time.RFC3339Nano)
	}
	if s.ActivityProgress == "" {
		s.ActivityProgress = "Completed"
	}
	if s.GradingProgress == "" {
		s.GradingProgress = "FullyGraded"
	}
	_, err := a.D.Send(ctx, Request{
		URL: strings.TrimRight(lineItemURL, "/") + "/scores", Method: http.MethodPost,
		CourseID: courseID, AGS: true, ContentType: MediaScore, Body: s,
	})
	if err != nil {
		return fmt.Errorf("post score for %s: %w", s.UserID, err)
	}
	return nil
}
