package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/telhawk-systems/taskhub/common/operator"
)

// ListFailedOutbox returns FAILED outbox records of a producing service.
func (c *Client) ListFailedOutbox(ctx context.Context, limit, offset int) (*operator.List[operator.OutboxRecord], error) {
	var list operator.List[operator.OutboxRecord]
	if err := c.do(ctx, http.MethodGet, "/api/v1/outbox/failed"+pageQuery(limit, offset), nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetOutbox returns one outbox record.
func (c *Client) GetOutbox(ctx context.Context, id string) (*operator.OutboxRecord, error) {
	var rec operator.OutboxRecord
	if err := c.do(ctx, http.MethodGet, "/api/v1/outbox/"+url.PathEscape(id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ReplayOutbox moves a FAILED record back to PENDING.
func (c *Client) ReplayOutbox(ctx context.Context, id string) (*operator.OutboxRecord, error) {
	var rec operator.OutboxRecord
	if err := c.do(ctx, http.MethodPost, "/api/v1/outbox/"+url.PathEscape(id)+"/replay", nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListDeadLetters returns dead letters of the consuming service.
func (c *Client) ListDeadLetters(ctx context.Context, limit, offset int) (*operator.List[operator.DeadLetter], error) {
	var list operator.List[operator.DeadLetter]
	if err := c.do(ctx, http.MethodGet, "/api/v1/deadletters"+pageQuery(limit, offset), nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetDeadLetter returns one dead letter.
func (c *Client) GetDeadLetter(ctx context.Context, id string) (*operator.DeadLetter, error) {
	var dl operator.DeadLetter
	if err := c.do(ctx, http.MethodGet, "/api/v1/deadletters/"+url.PathEscape(id), nil, &dl); err != nil {
		return nil, err
	}
	return &dl, nil
}

// ReplayDeadLetter re-publishes a dead letter to its original topic.
func (c *Client) ReplayDeadLetter(ctx context.Context, id string) (*operator.Replay, error) {
	var replay operator.Replay
	if err := c.do(ctx, http.MethodPost, "/api/v1/deadletters/"+url.PathEscape(id)+"/replay", nil, &replay); err != nil {
		return nil, err
	}
	return &replay, nil
}

// ListCursors returns the committed positions of a consumer group. An empty
// group lists the notification service's own group.
func (c *Client) ListCursors(ctx context.Context, group string) (*operator.Cursors, error) {
	path := "/api/v1/cursors"
	if group != "" {
		path += "?" + url.Values{"group": {group}}.Encode()
	}
	var cursors operator.Cursors
	if err := c.do(ctx, http.MethodGet, path, nil, &cursors); err != nil {
		return nil, err
	}
	return &cursors, nil
}
