package plugin

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// postWebhook is the default notify transport: a short-timeout POST of the
// message body as plain text.
func postWebhook(ctx context.Context, url, message string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
