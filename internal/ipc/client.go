// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/apexdaemon/apexd/internal/codec"
)

// dialTimeout bounds only the connect phase, separate from callTimeout.
const dialTimeout = 5 * time.Second

// callTimeout covers the whole request-response cycle once connected:
// writing the request frame, the server's handler running, and
// reading the response frame back. Matched to the server's
// connectionTimeout with headroom for a handler that blocks on
// readystate.Publisher.Wait.
const callTimeout = 45 * time.Second

const maxResponseSize = 1 << 20

// CallError is returned by Client.Call when the server responds with
// ok=false.
type CallError struct {
	Action  string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("apexd: %q failed: %s", e.Action, e.Message)
}

// Client sends CBOR requests to a running daemon's control socket.
// Each Call opens a new connection, matching the server's
// one-request-per-connection model.
type Client struct {
	socketPath string
}

// NewClient returns a Client that dials socketPath on every Call.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call sends action with the given fields and decodes the response
// data into result, if result is non-nil and the response carried
// data. fields may be nil for actions with no parameters. The caller
// must not include an "action" key in fields.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		request[k] = v
	}
	request["action"] = action

	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.socketPath, err)
	}

	if !response.OK {
		return &CallError{Action: action, Message: response.Error}
	}

	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, request any) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(callTimeout))

	payload, err := codec.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	if err := writeFrame(conn, payload); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	frame, err := readFrame(conn, maxResponseSize)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	var response Response
	if err := codec.Unmarshal(frame, &response); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &response, nil
}
