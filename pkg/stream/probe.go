package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/bluenviron/gortsplib/v3"
	"github.com/bluenviron/gortsplib/v3/pkg/url"
)

// Probe asks an RTSP server to DESCRIBE the stream and returns the number of
// media it offers. It fails fast for cameras that are unreachable or reject
// the credentials, before an ffmpeg process is spawned.
func Probe(ctx context.Context, rawURL string, timeout time.Duration) (int, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return 0, context.DeadlineExceeded
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("invalid rtsp url: %w", err)
	}

	client := &gortsplib.Client{
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	if err := client.Start(u.Scheme, u.Host); err != nil {
		return 0, err
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		medias, _, _, err := client.Describe(u)
		done <- result{len(medias), err}
	}()

	select {
	case r := <-done:
		client.Close()
		if r.err != nil {
			return 0, r.err
		}
		if r.n == 0 {
			return 0, fmt.Errorf("stream has no media")
		}
		return r.n, nil
	case <-ctx.Done():
		client.Close()
		return 0, ctx.Err()
	}
}
