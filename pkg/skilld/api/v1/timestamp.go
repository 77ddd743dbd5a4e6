package api_v1

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrTimestamp = errors.New("request is not within allowed timeframe")

// Window bounds how far a request's Date header may be from the current time.
type Window struct {
	MaxAge        time.Duration
	MaxFutureSkew time.Duration
}

func DefaultWindow() Window {
	return Window{
		MaxAge:        MaxAge,
		MaxFutureSkew: MaxFutureSkew,
	}
}

// Validate parses an HTTP date and checks it against the window, relative to now.
func (w Window) Validate(header string, now time.Time) error {
	if header == "" {
		return fmt.Errorf("%w: missing %s header", ErrTimestamp, DateHeader)
	}
	sent, err := http.ParseTime(header)
	if err != nil {
		return fmt.Errorf("%w: unparseable %s header: %s", ErrTimestamp, DateHeader, err)
	}

	age := now.Sub(sent)
	if age > w.MaxAge {
		return fmt.Errorf("%w: request is %s old", ErrTimestamp, age.Truncate(time.Second))
	}
	if -age > w.MaxFutureSkew {
		return fmt.Errorf("%w: request is %s in the future", ErrTimestamp, (-age).Truncate(time.Second))
	}
	return nil
}
