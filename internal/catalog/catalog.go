// Package catalog searches the product snapshots cached with a session.
//
// Names are compared after folding: NFD decomposition, removal of
// combining marks, NFC recomposition and Unicode case folding, so
// "AÇÚCAR" finds "Açúcar refinado".
package catalog

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/sectorcount/internal/count"
)

var folder = cases.Fold()

// Fold returns s without diacritics, case folded and NFC normalized.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = norm.NFC.String(s)
	}
	return folder.String(strings.TrimSpace(out))
}

// Catalog is an immutable, searchable product list.
type Catalog struct {
	products []count.Product
	names    []string
}

// New indexes products, keeping their order.
func New(products []count.Product) *Catalog {
	c := &Catalog{products: make([]count.Product, len(products)), names: make([]string, len(products))}
	copy(c.products, products)
	for i, p := range products {
		c.names[i] = Fold(p.Name)
	}
	return c
}

// Len returns the number of products.
func (c *Catalog) Len() int { return len(c.products) }

// Products returns the products in catalog order.
func (c *Catalog) Products() []count.Product {
	out := make([]count.Product, len(c.products))
	copy(out, c.products)
	return out
}

// Lookup finds a product by id.
func (c *Catalog) Lookup(id string) (count.Product, bool) {
	for _, p := range c.products {
		if p.ID == id {
			return p, true
		}
	}
	return count.Product{}, false
}

// ByCode finds a product by exact id, code or barcode.
func (c *Catalog) ByCode(code string) (count.Product, bool) {
	code = strings.TrimSpace(code)
	if code == "" {
		return count.Product{}, false
	}
	for _, p := range c.products {
		if p.ID == code || (p.Code != "" && p.Code == code) || (p.Barcode != "" && p.Barcode == code) {
			return p, true
		}
	}
	return count.Product{}, false
}

// Search returns the products whose folded name contains every word of
// query, plus exact id, code or barcode matches, in catalog order.
func (c *Catalog) Search(query string) []count.Product {
	words := strings.Fields(Fold(query))
	if len(words) == 0 {
		return nil
	}
	var out []count.Product
	for i, p := range c.products {
		if p.ID == query || p.Code == query || p.Barcode == query || containsAll(c.names[i], words) {
			out = append(out, p)
		}
	}
	return out
}

func containsAll(name string, words []string) bool {
	for _, w := range words {
		if !strings.Contains(name, w) {
			return false
		}
	}
	return true
}

// Resolve picks exactly one product for query: an exact id, code or
// barcode match first, otherwise a unique name match.
func (c *Catalog) Resolve(query string) (count.Product, error) {
	if p, ok := c.ByCode(query); ok {
		return p, nil
	}
	matches := c.Search(query)
	switch len(matches) {
	case 0:
		return count.Product{}, count.NewValidationError(fmt.Sprintf("no product matches %q", query))
	case 1:
		return matches[0], nil
	}
	ids := make([]string, 0, len(matches))
	for _, p := range matches {
		ids = append(ids, p.ID)
	}
	return count.Product{}, count.NewValidationError(fmt.Sprintf("%q matches %d products: %s", query, len(matches), strings.Join(ids, ", ")))
}
