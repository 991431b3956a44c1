package gateway

import (
	"context"
	"io"
	"net/http"
	"time"
)

const (
	// Gateway endpoints are uncontrolled third parties; every outbound
	// call carries an explicit bounded timeout.
	requestTimeout = 20 * time.Second

	maxAttempts  = 3
	retryBackoff = 150 * time.Millisecond
)

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: requestTimeout}
}

// sendWithRetry performs one logical gateway exchange with up to
// maxAttempts tries. Transport errors and 5xx responses are retried after
// a short fixed backoff; 4xx responses are returned immediately since
// resending the same request cannot help. The response body is fully read
// and the connection released on every attempt.
func sendWithRetry(ctx context.Context, client *http.Client, build func(ctx context.Context) (*http.Request, error)) (status int, body []byte, err error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var req *http.Request
		req, err = build(ctx)
		if err != nil {
			return 0, nil, err
		}

		var resp *http.Response
		resp, err = client.Do(req)
		if err == nil {
			body, err = io.ReadAll(resp.Body)
			resp.Body.Close()
			if err == nil {
				status = resp.StatusCode
				if status < http.StatusInternalServerError {
					return status, body, nil
				}
			}
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(retryBackoff):
		case <-ctx.Done():
			return status, body, ctx.Err()
		}
	}
	return status, body, err
}
