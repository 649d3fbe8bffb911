package engine

import (
	"fmt"

	"github.com/JakeFAU/crawl-fleet/internal/crawler"
)

// FaultError ends a crawl that hit an unhandled failure. Partial holds the
// extracted data that had not been emitted yet.
type FaultError struct {
	Partial map[string][]string
	Cause   error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("crawl fault: %v", e.Cause)
}

func (e *FaultError) Unwrap() error {
	return e.Cause
}

// PartialCount returns the number of unemitted values.
func (e *FaultError) PartialCount() int {
	return crawler.CountData(e.Partial)
}
