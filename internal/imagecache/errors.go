package imagecache

import (
	"errors"
	"fmt"
)

var (
	ErrFetch  = errors.New("image fetch failed")
	ErrClosed = errors.New("image cache is closed")
)

// FetchError is a per-image failure. It is shown to the caller as a display
// state and never affects sync or search.
type FetchError struct {
	ImageID string
	Reason  string
	Err     error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("image %s: %s: %v", e.ImageID, e.Reason, e.Err)
	}
	return fmt.Sprintf("image %s: %s", e.ImageID, e.Reason)
}

func (e *FetchError) Is(target error) bool {
	return target == ErrFetch
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
