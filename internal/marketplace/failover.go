package marketplace

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// SortBidsByPrice returns a copy of bids ordered by ascending price. The
// sort is stable: equal prices keep the marketplace's input order, which is
// the only tie-break callers may rely on. Unparseable prices go last.
func SortBidsByPrice(bids []Bid) []Bid {
	sorted := make([]Bid, len(bids))
	copy(sorted, bids)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, aok := sorted[i].PriceAmount()
		b, bok := sorted[j].PriceAmount()
		if aok != bok {
			return aok
		}
		if !aok {
			return false
		}
		return a.LessThan(b)
	})
	return sorted
}

// SelectCheapestBid returns the single cheapest bid: the head of the stable
// price sort. Rejects an empty batch.
func SelectCheapestBid(bids []Bid) (Bid, error) {
	if len(bids) == 0 {
		return Bid{}, &InvalidArgumentError{Reason: "no bids to select from"}
	}
	return SortBidsByPrice(bids)[0], nil
}

// TryAllBidsUntilSuccess iterates non-blacklisted bids cheapest-first and
// returns the first lease it can establish, together with the winning
// provider address.
//
// A failed health probe is advisory and never skips a provider: probes can
// be wrong, the marketplace confirms for real. Provider-unavailable and
// retry-exhausted lease failures move on to the next bid; anything else is
// fatal for the whole deployment.
func (c *Client) TryAllBidsUntilSuccess(
	ctx context.Context,
	manifest json.RawMessage,
	dseq string,
	bids []Bid,
	blacklisted map[string]bool,
) (*Lease, string, error) {
	usable := lo.Filter(bids, func(b Bid, _ int) bool {
		return !blacklisted[b.Provider]
	})
	if skipped := len(bids) - len(usable); skipped > 0 {
		c.log.Info("skipped blacklisted bids", zap.String("dseq", dseq), zap.Int("skipped", skipped))
	}
	if len(usable) == 0 {
		return nil, "", &AllProvidersFailedError{}
	}

	var (
		failed  []string
		lastErr error
	)
	for _, bid := range SortBidsByPrice(usable) {
		details, err := c.GetProviderDetails(ctx, bid.Provider)
		if err != nil {
			c.log.Warn("provider details lookup failed",
				zap.String("provider", bid.Provider),
				zap.Error(err),
			)
		} else if details != nil {
			if !c.CheckProviderHealth(ctx, details.URI) {
				c.log.Warn("provider failed health probe, attempting lease anyway",
					zap.String("provider", bid.Provider),
					zap.String("uri", details.URI),
				)
			}
		}

		lease, err := c.CreateLease(ctx, manifest, dseq, bid)
		if err == nil {
			return lease, bid.Provider, nil
		}

		switch {
		case IsProviderUnavailable(err):
			c.log.Warn("provider unavailable, trying next bid",
				zap.String("provider", bid.Provider),
				zap.Error(err),
			)
		case IsRetryable(err):
			// Per-call retries already ran inside CreateLease.
			c.log.Warn("lease retries exhausted, trying next bid",
				zap.String("provider", bid.Provider),
				zap.Error(err),
			)
		default:
			return nil, "", err
		}
		failed = append(failed, bid.Provider)
		lastErr = err
	}

	return nil, "", &AllProvidersFailedError{FailedProviders: failed, LastErr: lastErr}
}
