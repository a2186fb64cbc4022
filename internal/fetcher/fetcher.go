package fetcher

import (
	"context"
	"fmt"
)

// PriceFetcher retrieves the current WoW Token price for a region, in copper.
type PriceFetcher interface {
	FetchPrice(ctx context.Context, region string) (int64, error)
}

// FetchError reports a price fetch that failed after retries were exhausted
// or hit a non-retryable upstream status.
type FetchError struct {
	Region   string
	Status   int
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch price for region %s: status %d after %d attempt(s)", e.Region, e.Status, e.Attempts)
	}
	return fmt.Sprintf("fetch price for region %s after %d attempt(s): %v", e.Region, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// MalformedResponseError reports a successful HTTP response whose payload did
// not carry the expected price field. It unwraps to a FetchError so generic
// fetch handling still matches, but logs should single it out: it usually
// means the upstream contract changed.
type MalformedResponseError struct {
	Region string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed price response for region %s: %v", e.Region, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return &FetchError{Region: e.Region, Attempts: 1, Err: e.Err}
}
