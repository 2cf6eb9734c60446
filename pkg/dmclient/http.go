package dmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	v1 "parley/shared/contracts/realtime/v1"
)

type restSendRequest struct {
	Recipient   string          `json:"recipient"`
	Content     string          `json:"content,omitempty"`
	Attachments []v1.Attachment `json:"attachments,omitempty"`
	ClientMsgID string          `json:"client_msg_id"`
}

type restSendResponse struct {
	Message    v1.Message `json:"message"`
	Duplicated bool       `json:"duplicated"`
}

type restError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) sendHTTP(ctx context.Context, req SendRequest) (SendResult, error) {
	body, err := json.Marshal(restSendRequest{
		Recipient:   req.Recipient,
		Content:     req.Content,
		Attachments: req.Attachments,
		ClientMsgID: req.ClientMsgID,
	})
	if err != nil {
		return SendResult{}, err
	}

	var out restSendResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/messages", body, &out); err != nil {
		return SendResult{}, err
	}

	return SendResult{
		ClientMsgID:    req.ClientMsgID,
		ConversationID: out.Message.ConversationID,
		MessageID:      out.Message.ID,
		Seq:            out.Message.Seq,
		Duplicated:     out.Duplicated,
		Via:            "http",
	}, nil
}

// doJSON performs an authenticated API call and decodes a 2xx body into dst.
// Non-2xx responses become *Error.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, dst any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL(path), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e restError
		_ = json.Unmarshal(raw, &e)
		if e.Error.Code == "" {
			e.Error.Code = "http_error"
			e.Error.Message = http.StatusText(resp.StatusCode)
		}
		return &Error{Status: resp.StatusCode, Code: e.Error.Code, Message: e.Error.Message}
	}

	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

// UnreadCount returns the caller's unread total across conversations.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/messages/unread/count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// History returns one page of the conversation with other, oldest first.
// Fetching marks the page read on the server.
func (c *Client) History(ctx context.Context, other string, page, limit int) ([]v1.Message, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/messages/" + other
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Messages []v1.Message `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}
