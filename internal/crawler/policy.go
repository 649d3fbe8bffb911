package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// StopKind enumerates the stop-condition variants.
type StopKind string

// Stop-condition variants.
const (
	StopMaxCrawlCount      StopKind = "max_crawl_count"
	StopMaxDataCount       StopKind = "max_data_count"
	StopMaxDurationSeconds StopKind = "max_duration_seconds"
)

// StopCondition ends a crawl early once its limit is reached.
type StopCondition struct {
	Kind  StopKind `json:"kind" mapstructure:"kind"`
	Limit int64    `json:"limit" mapstructure:"limit"`
}

// MaxCrawlCount stops once n URLs have been claimed.
func MaxCrawlCount(n int64) StopCondition {
	return StopCondition{Kind: StopMaxCrawlCount, Limit: n}
}

// MaxDataCount stops once n data values have been extracted.
func MaxDataCount(n int64) StopCondition {
	return StopCondition{Kind: StopMaxDataCount, Limit: n}
}

// MaxDurationSeconds stops once the crawl has run for s seconds.
func MaxDurationSeconds(s int64) StopCondition {
	return StopCondition{Kind: StopMaxDurationSeconds, Limit: s}
}

// Stop reports whether the condition is met by result.
func (c StopCondition) Stop(result CrawlResult) bool {
	switch c.Kind {
	case StopMaxCrawlCount:
		return result.CrawlCount >= c.Limit
	case StopMaxDataCount:
		return result.DataCount >= c.Limit
	case StopMaxDurationSeconds:
		return result.Elapsed >= time.Duration(c.Limit)*time.Second
	default:
		return false
	}
}

// Validate rejects unknown kinds and negative limits.
func (c StopCondition) Validate() error {
	switch c.Kind {
	case StopMaxCrawlCount, StopMaxDataCount, StopMaxDurationSeconds:
	default:
		return fmt.Errorf("%w: unknown stop condition %q", ErrInvalidJob, c.Kind)
	}
	if c.Limit < 0 {
		return fmt.Errorf("%w: stop condition %s limit must be >= 0", ErrInvalidJob, c.Kind)
	}
	return nil
}

// AnyStop evaluates conditions as a logical OR, short-circuiting on the first
// match. It returns the matching condition.
func AnyStop(conditions []StopCondition, result CrawlResult) (StopCondition, bool) {
	for _, c := range conditions {
		if c.Stop(result) {
			return c, true
		}
	}
	return StopCondition{}, false
}

// ActionKind enumerates the page-action variants.
type ActionKind string

// Page-action variants.
const (
	ActionWaitForSelector ActionKind = "wait_for_selector"
	ActionClick           ActionKind = "click"
	ActionScrollBy        ActionKind = "scroll_by"
)

// PageAction is applied to a loaded page before its content is extracted.
type PageAction struct {
	Kind     ActionKind    `json:"kind" mapstructure:"kind"`
	Selector string        `json:"selector,omitempty" mapstructure:"selector"`
	Timeout  time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`
	Amount   int           `json:"amount,omitempty" mapstructure:"amount"`
	// URLPattern restricts the action to matching page URLs when set.
	URLPattern string `json:"url_pattern,omitempty" mapstructure:"url_pattern"`

	pattern *regexp.Regexp
}

// WaitForSelector waits up to timeout for selector to appear.
func WaitForSelector(selector string, timeout time.Duration) PageAction {
	return PageAction{Kind: ActionWaitForSelector, Selector: selector, Timeout: timeout}
}

// Click clicks the first element matching selector.
func Click(selector string) PageAction {
	return PageAction{Kind: ActionClick, Selector: selector}
}

// ScrollBy scrolls the page vertically by amount pixels.
func ScrollBy(amount int) PageAction {
	return PageAction{Kind: ActionScrollBy, Amount: amount}
}

// When restricts the action to URLs matching pattern.
func (a PageAction) When(pattern string) PageAction {
	a.URLPattern = pattern
	a.pattern = nil
	return a
}

// Applies reports whether the action should run on url.
func (a PageAction) Applies(url string) bool {
	if a.URLPattern == "" {
		return true
	}
	re := a.pattern
	if re == nil {
		compiled, err := regexp.Compile(a.URLPattern)
		if err != nil {
			return false
		}
		re = compiled
	}
	return re.MatchString(url)
}

// pageActionJSON is the wire form of PageAction. Timeout is a Go duration
// string such as "5s"; bare integers are read as nanoseconds.
type pageActionJSON struct {
	Kind       ActionKind      `json:"kind"`
	Selector   string          `json:"selector,omitempty"`
	Timeout    json.RawMessage `json:"timeout,omitempty"`
	Amount     int             `json:"amount,omitempty"`
	URLPattern string          `json:"url_pattern,omitempty"`
}

// MarshalJSON writes Timeout as a duration string.
func (a PageAction) MarshalJSON() ([]byte, error) {
	out := pageActionJSON{Kind: a.Kind, Selector: a.Selector, Amount: a.Amount, URLPattern: a.URLPattern}
	if a.Timeout != 0 {
		out.Timeout = json.RawMessage(`"` + a.Timeout.String() + `"`)
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts Timeout as a duration string or as nanoseconds.
func (a *PageAction) UnmarshalJSON(data []byte) error {
	var in pageActionJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return err
	}
	var timeout time.Duration
	raw := bytes.TrimSpace(in.Timeout)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return err
		}
		d, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("%w: page action timeout %q: %v", ErrInvalidJob, text, err)
		}
		timeout = d
	default:
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("%w: page action timeout must be a duration string or nanoseconds", ErrInvalidJob)
		}
		timeout = time.Duration(n)
	}
	*a = PageAction{
		Kind:       in.Kind,
		Selector:   in.Selector,
		Timeout:    timeout,
		Amount:     in.Amount,
		URLPattern: in.URLPattern,
	}
	return nil
}

// Validate checks the fields each variant requires.
func (a PageAction) Validate() error {
	switch a.Kind {
	case ActionWaitForSelector:
		if a.Selector == "" {
			return fmt.Errorf("%w: wait_for_selector requires a selector", ErrInvalidJob)
		}
		if a.Timeout < 0 {
			return fmt.Errorf("%w: wait_for_selector timeout must be >= 0", ErrInvalidJob)
		}
	case ActionClick:
		if a.Selector == "" {
			return fmt.Errorf("%w: click requires a selector", ErrInvalidJob)
		}
	case ActionScrollBy:
	default:
		return fmt.Errorf("%w: unknown page action %q", ErrInvalidJob, a.Kind)
	}
	return nil
}

// Do runs the action against page.
func (a PageAction) Do(ctx context.Context, page Page) error {
	switch a.Kind {
	case ActionWaitForSelector:
		return page.WaitForSelector(ctx, a.Selector, a.Timeout)
	case ActionClick:
		return page.Click(ctx, a.Selector)
	case ActionScrollBy:
		return page.ScrollBy(ctx, a.Amount)
	default:
		return fmt.Errorf("%w: unknown page action %q", ErrInvalidJob, a.Kind)
	}
}

// CompiledConfig holds the regular expressions a crawl evaluates per page.
type CompiledConfig struct {
	URLPattern  *regexp.Regexp
	DataPattern *regexp.Regexp
	PageActions []PageAction
}

// Compile validates cfg and compiles its patterns once.
func (cfg JobConfig) Compile() (CompiledConfig, error) {
	var out CompiledConfig
	if cfg.URLPattern != "" {
		re, err := regexp.Compile(cfg.URLPattern)
		if err != nil {
			return CompiledConfig{}, fmt.Errorf("%w: url_pattern: %v", ErrInvalidJob, err)
		}
		out.URLPattern = re
	}
	if cfg.DataPattern != "" {
		re, err := regexp.Compile(cfg.DataPattern)
		if err != nil {
			return CompiledConfig{}, fmt.Errorf("%w: data_pattern: %v", ErrInvalidJob, err)
		}
		out.DataPattern = re
	}
	for i, action := range cfg.PageActions {
		if err := action.Validate(); err != nil {
			return CompiledConfig{}, fmt.Errorf("page_actions[%d]: %w", i, err)
		}
		if action.URLPattern != "" {
			re, err := regexp.Compile(action.URLPattern)
			if err != nil {
				return CompiledConfig{}, fmt.Errorf("%w: page_actions[%d].url_pattern: %v", ErrInvalidJob, i, err)
			}
			action.pattern = re
		}
		out.PageActions = append(out.PageActions, action)
	}
	for i, stop := range cfg.StopConditions {
		if err := stop.Validate(); err != nil {
			return CompiledConfig{}, fmt.Errorf("stop_conditions[%d]: %w", i, err)
		}
	}
	return out, nil
}
