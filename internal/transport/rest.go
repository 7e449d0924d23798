package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// RESTClient is the synchronous fallback send path, used when the live
// session repeatedly fails to acknowledge. It accepts the same message
// payload and returns the same authoritative ack shape.
type RESTClient struct {
	http *resty.Client
}

func NewRESTClient(baseURL, apiKey string) *RESTClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Authorization", "Bearer "+apiKey).
		SetTimeout(10 * time.Second)

	log.Info().Str("baseURL", baseURL).Msg("REST fallback client configured")
	return &RESTClient{http: client}
}

// SendMessage posts one message over the fallback endpoint.
func (c *RESTClient) SendMessage(ctx context.Context, p MessagePayload) (*Ack, error) {
	var result AckPayload
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(p).
		SetResult(&result).
		Post("/api/v1/messages")

	if err != nil {
		return nil, fmt.Errorf("REST send request failed: %w", err)
	}
	if resp.IsError() {
		log.Error().
			Str("clientMessageID", p.ClientMessageID).
			Int("statusCode", resp.StatusCode()).
			Str("responseBody", resp.String()).
			Msg("REST send returned an error")
		return nil, fmt.Errorf("REST send error: status %s, body: %s", resp.Status(), resp.String())
	}
	if result.MessageID == "" {
		return nil, fmt.Errorf("REST send response missing message id for %s", p.ClientMessageID)
	}

	log.Debug().
		Str("clientMessageID", p.ClientMessageID).
		Str("messageID", result.MessageID).
		Msg("Message delivered over REST fallback")
	return &Ack{MessageID: result.MessageID, SentAt: result.SentAt}, nil
}
