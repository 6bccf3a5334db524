//go:build !gocv

package stream

import (
	"errors"
	"time"
)

func NewGoCVSource(time.Duration) (Source, error) {
	return nil, errors.New("opencv source not available, rebuild with -tags gocv")
}
