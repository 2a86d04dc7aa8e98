// Package domain maps a question to a bounded topical domain and its
// whitelist of schema tables, so context assembly never depends on an
// imperfect ranking to surface the tables that matter.
package domain

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// GeneralName is the sentinel domain for questions matching no keywords.
const GeneralName = "general"

// Domain is one configured topical scope. Static after load.
type Domain struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords"`
	Tables   []string `json:"tables"`
}

// General returns the sentinel domain with an empty table whitelist. The
// assembler then falls back to unscoped retrieval only.
func General() Domain {
	return Domain{Name: GeneralName}
}

// Classifier scores questions against a fixed, ordered list of domains.
type Classifier struct {
	domains []Domain
}

// NewClassifier creates a Classifier. Declaration order is significant:
// it is the documented tie-break when two domains match equally.
func NewClassifier(domains []Domain) *Classifier {
	return &Classifier{domains: domains}
}

// Domains returns the configured domains in declaration order.
func (c *Classifier) Domains() []Domain {
	return c.domains
}

// Classify returns the domain whose keywords appear most often in the
// question (case-insensitive substring match). Ties go to the
// first-declared domain — never map iteration order. Zero matches
// anywhere yields the general sentinel.
func (c *Classifier) Classify(question string) Domain {
	q := strings.ToLower(question)

	best := General()
	bestCount := 0
	for _, d := range c.domains {
		count := 0
		for _, kw := range d.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(q, strings.ToLower(kw)) {
				count++
			}
		}
		// Strictly greater: an earlier domain keeps a tied score.
		if count > bestCount {
			best = d
			bestCount = count
		}
	}
	return best
}

// Load reads domain definitions from a JSON file: a top-level array whose
// order fixes the tie-break. A missing file yields no domains (every
// question classifies as general), not an error.
func Load(path string) ([]Domain, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading domain config: %w", err)
	}

	var domains []Domain
	if err := json.Unmarshal(data, &domains); err != nil {
		return nil, fmt.Errorf("parsing domain config %s: %w", path, err)
	}

	for i, d := range domains {
		if d.Name == "" {
			return nil, fmt.Errorf("domain %d has no name", i)
		}
		if d.Name == GeneralName {
			return nil, fmt.Errorf("domain %d: %q is reserved", i, GeneralName)
		}
	}
	return domains, nil
}

// Defaults is the compiled-in domain set used when no domains.json is
// present. Ordered: the first match wins ties.
func Defaults() []Domain {
	return []Domain{
		{
			Name:     "users",
			Keywords: []string{"user", "account", "signup", "login", "member"},
			Tables:   []string{"users"},
		},
		{
			Name:     "orders",
			Keywords: []string{"order", "purchase", "cart", "checkout", "total", "revenue"},
			Tables:   []string{"orders", "order_items"},
		},
		{
			Name:     "products",
			Keywords: []string{"product", "item", "sku", "inventory", "stock", "price"},
			Tables:   []string{"products"},
		},
	}
}
