package enlighten

import (
	"context"

	"github.com/foXaCe/enphase-battery/pkg/types"
)

const streamTokenPath = "/app-api/jwt_token.json"

// StreamToken fetches a short-lived token authorizing the realtime push
// channel for the session's site. The token is consumed by the push
// subscriber and re-fetched whenever the channel is re-established.
func (c *Client) StreamToken(ctx context.Context, s *Session) (string, error) {
	if s == nil || s.SiteID == 0 {
		return "", types.ErrNotInitialized
	}

	var body map[string]any
	if err := c.getJSON(ctx, s, streamTokenPath, nil, 0, &body); err != nil {
		return "", err
	}
	token, ok := stringValue(body, "token", "jwt_token", "access_token")
	if !ok {
		return "", &types.ConnectionError{Message: "push token missing from response"}
	}
	return token, nil
}
