package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/jotrip/internal/syncerr"
	"go.uber.org/zap"
)

// EventChange is the SSE event name carrying a Change.
const EventChange = "change"

// Events opens the server event stream and delivers every change written by
// any device of the account. The channel closes when ctx ends or the stream
// drops; callers reconnect as they see fit.
func (c *Client) Events(ctx context.Context) (<-chan Change, error) {
	response, err := c.do(ctx, opEvents, http.MethodGet, c.endpoint("events", nil), nil, c.streamClient)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(response.Header.Get("Content-Type"), "text/event-stream") {
		response.Body.Close()
		return nil, syncerr.New(syncerr.ErrNetwork, opEvents, errUnexpectedStream)
	}

	stream := make(chan Change)
	go func() {
		defer close(stream)
		defer response.Body.Close()

		scanner := bufio.NewScanner(response.Body)
		scanner.Buffer(make([]byte, 0, 4096), 1<<20)
		eventName := ""
		var data strings.Builder
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				if eventName == EventChange && data.Len() > 0 {
					var change Change
					if err := json.Unmarshal([]byte(data.String()), &change); err != nil {
						c.logger.Debug("skipping malformed event", zap.Error(err))
					} else {
						select {
						case stream <- change:
						case <-ctx.Done():
							return
						}
					}
				}
				eventName = ""
				data.Reset()
				continue
			}
			field, value := splitField(line)
			switch field {
			case "event":
				eventName = value
			case "data":
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(value)
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			c.logger.Debug("event stream closed", zap.Error(err))
		}
	}()
	return stream, nil
}

func splitField(line string) (string, string) {
	if strings.HasPrefix(line, ":") {
		return "", ""
	}
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}
