// Package classifier decides, per request URL, whether a resource must never be
// cached or belongs to the dynamic partition.
package classifier

import (
	"fmt"
	"regexp"
)

// Classifier tests URLs against two fixed regular-expression sets.
// It is immutable after construction and safe for concurrent use.
type Classifier struct {
	neverCache []*regexp.Regexp
	dynamic    []*regexp.Regexp
}

// New compiles the never-cache and dynamic pattern sets.
func New(neverCache, dynamic []string) (*Classifier, error) {
	never, err := compile(neverCache)
	if err != nil {
		return nil, fmt.Errorf("never-cache patterns: %w", err)
	}
	dyn, err := compile(dynamic)
	if err != nil {
		return nil, fmt.Errorf("dynamic patterns: %w", err)
	}
	return &Classifier{
		neverCache: never,
		dynamic:    dyn,
	}, nil
}

// MustNew is like New but panics on an invalid pattern.
func MustNew(neverCache, dynamic []string) *Classifier {
	c, err := New(neverCache, dynamic)
	if err != nil {
		panic(err)
	}
	return c
}

// IsNeverCache reports whether the URL or its referrer matches a never-cache pattern.
// An empty referrer is not tested.
func (c *Classifier) IsNeverCache(url, referrer string) bool {
	for _, re := range c.neverCache {
		if re.MatchString(url) {
			return true
		}
		if referrer != "" && re.MatchString(referrer) {
			return true
		}
	}
	return false
}

// IsDynamic reports whether the URL matches a dynamic-content pattern.
func (c *Classifier) IsDynamic(url string) bool {
	return matchAny(c.dynamic, url)
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func compile(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
