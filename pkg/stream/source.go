package stream

import (
	"context"
	"errors"
	"image"
	"strings"
)

// ErrNoFrame is returned by Conn.Read when no new frame arrived in time.
var ErrNoFrame = errors.New("no frame available")

// Source opens connections to a camera URL.
type Source interface {
	Open(ctx context.Context, url string) (Conn, error)
}

// Conn is an open camera connection. Read returns the most recent frame.
type Conn interface {
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

func isRTSP(url string) bool {
	u := strings.ToLower(url)
	return strings.HasPrefix(u, "rtsp://") || strings.HasPrefix(u, "rtsps://")
}

// Redact hides the credentials of a camera URL for logging.
func Redact(url string) string {
	scheme := strings.Index(url, "://")
	if scheme < 0 {
		return url
	}
	rest := url[scheme+3:]
	authority := rest
	if slash := strings.Index(rest, "/"); slash >= 0 {
		authority = rest[:slash]
	}
	at := strings.LastIndex(authority, "@")
	if at < 0 {
		return url
	}
	return url[:scheme+3] + "***@" + rest[at+1:]
}
