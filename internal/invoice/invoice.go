package invoice

import (
	"strings"
)

// Identity is a candidate credential for a portal, usually the email address
// the booking was made with.
type Identity string

// Key is what a customer has at hand to look an invoice up with.
type Key struct {
	Pnr           string
	InvoiceNumber string
	// Date is the date of journey in dd-mm-yyyy, only browser portals need it.
	Date string
}

func NewKey(pnr, invoiceNumber, date string) Key {
	return Key{
		Pnr:           strings.ToUpper(strings.TrimSpace(pnr)),
		InvoiceNumber: strings.TrimSpace(invoiceNumber),
		Date:          strings.TrimSpace(date),
	}
}

func (k Key) Empty() bool {
	return k.Pnr == "" && k.InvoiceNumber == ""
}

// Candidates is an ordered set of vendor invoice identifiers, duplicates
// are dropped while the discovery order is kept.
type Candidates struct {
	order []string
	seen  map[string]struct{}
}

func NewCandidates(ids ...string) *Candidates {
	c := &Candidates{seen: map[string]struct{}{}}
	for _, id := range ids {
		c.Add(id)
	}
	return c
}

// Add inserts id and returns false if it was empty or already present.
func (c *Candidates) Add(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	if _, ok := c.seen[id]; ok {
		return false
	}
	c.seen[id] = struct{}{}
	c.order = append(c.order, id)
	return true
}

func (c *Candidates) Len() int {
	return len(c.order)
}

func (c *Candidates) List() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

type Document struct {
	Candidate   string
	Filename    string
	ContentType string
	Content     []byte
}
