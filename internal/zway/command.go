package zway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
)

// levelParam is the query parameter carrying a command argument.
const levelParam = "level"

// Command sends a command for a controller channel, e.g. ("ZWayVDev_zway_5-0-38",
// "exact", 40). A nil value sends the command without an argument.
//
// A transport error or a non-200 reply is handed to the failure handler,
// which treats it as a sign of a degraded connection and schedules a
// reconnect. The error is also returned.
func (c *Client) Command(ctx context.Context, id, command string, value any) error {
	requestID := uuid.NewString()
	epoch := c.Epoch()

	c.emit(func(l Listener) { l.OnCommand(id, command, value) })
	c.logDebug("sending command", "id", id, "command", command, "value", value, "request_id", requestID)

	var query url.Values
	if value != nil {
		query = url.Values{levelParam: {formatLevel(value)}}
	}
	path := fmt.Sprintf("%s/devices/%s/command/%s", apiPrefix, url.PathEscape(id), url.PathEscape(command))

	resp, err := c.session.Call(ctx, path, query)
	if err == nil && resp.Status != http.StatusOK {
		err = fmt.Errorf("%w: %s %s: status %d", ErrCommandFailed, id, command, resp.Status)
	}
	if err != nil {
		c.logWarn("command failed", "id", id, "command", command, "request_id", requestID, "error", err)
		c.fail(epoch, err)
		return err
	}
	return nil
}

// formatLevel renders a level without float noise (23, not 23.000000).
func formatLevel(v any) string {
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// Compile-time interface check.
var _ CommandIssuer = (*Client)(nil)
