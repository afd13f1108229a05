package marketplace

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Bid is a provider's offer to host a deployment. Bids are transient: they
// are fetched, iterated and discarded, never persisted.
type Bid struct {
	Owner               string `json:"owner"`
	DSeq                string `json:"dseq"`
	GSeq                uint32 `json:"gseq"`
	OSeq                uint32 `json:"oseq"`
	Provider            string `json:"provider"`
	BSeq                uint32 `json:"bseq"`
	Price               Price  `json:"price"`
	State               string `json:"state"`
	CreatedAt           string `json:"createdAt"`
	CertificateRequired bool   `json:"certificateRequired"`
}

type Price struct {
	Amount string `json:"amount"` // decimal string, e.g. "1.25" or "1000"
	Denom  string `json:"denom"`
}

// PriceAmount parses the decimal price. Unparseable prices compare greater
// than any valid price so they sort to the end of the bid list.
func (b Bid) PriceAmount() (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(b.Price.Amount)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// Lease is an accepted bid. Status maps service name to its exposed URIs as
// reported by the provider.
type Lease struct {
	DSeq     string                   `json:"dseq"`
	GSeq     uint32                   `json:"gseq"`
	OSeq     uint32                   `json:"oseq"`
	Provider string                   `json:"provider"`
	Status   map[string]ServiceStatus `json:"status"`
}

type ServiceStatus struct {
	URIs []string `json:"uris"`
}

// ID is the stable composite identifier of a lease on the marketplace.
func (l *Lease) ID() string {
	return fmt.Sprintf("%s/%d/%d/%s", l.DSeq, l.GSeq, l.OSeq, l.Provider)
}

// ServiceURL returns the first URI of the first service that exposes any.
// The bot service is preferred; remaining services are visited in name order
// so the result is deterministic.
func (l *Lease) ServiceURL() string {
	if l == nil || len(l.Status) == 0 {
		return ""
	}
	if svc, ok := l.Status["openclaw"]; ok && len(svc.URIs) > 0 {
		return svc.URIs[0]
	}
	names := make([]string, 0, len(l.Status))
	for name := range l.Status {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if uris := l.Status[name].URIs; len(uris) > 0 {
			return uris[0]
		}
	}
	return ""
}

// CreatedDeployment is the result of submitting a descriptor.
type CreatedDeployment struct {
	DSeq     string          `json:"dseq"`
	Manifest json.RawMessage `json:"manifest"`
}

// Provider holds the details needed to reach a provider directly.
type Provider struct {
	URI    string `json:"uri"`
	Status string `json:"status"`
}

type Certificate struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// OpenDeployment is one entry of the open-deployment listing, used to
// enumerate zombies left behind by failed attempts.
type OpenDeployment struct {
	DSeq      string    `json:"dseq"`
	CreatedAt time.Time `json:"createdAt"`
}
