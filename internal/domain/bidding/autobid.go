package bidding

import (
	"github.com/google/uuid"

	"github.com/gavelworks/auctiond/internal/domain/auctions"
)

// counterBid is one engine-generated admission in an auto-bid war.
type counterBid struct {
	BidderID   uuid.UUID
	Amount     int64
	MaxAutoBid *int64
}

// warSide tracks one participant of an auto-bid war. origSeq is the sequence
// number of the bid that declared the ceiling; it breaks ties when both
// ceilings are exhausted at the same price.
type warSide struct {
	bidderID uuid.UUID
	amount   int64
	ceiling  *int64
	origSeq  int
}

// resolveAutoBidWar computes the sequence of automatic counter-bids triggered
// by newBid displacing the previous winning bid. The returned steps alternate
// between the two sides, each outbidding the previous winner by the minimum
// increment, until one ceiling is exhausted. The last step is the final winner;
// an empty result means newBid stands.
//
// A counter at an amount equal to the standing price is admitted only when the
// countering side's original bid has the lower sequence number: two ceilings
// meeting at the same value resolve in favor of the bid that was in the ledger
// first.
func resolveAutoBidWar(newBid, displaced *auctions.Bid, increment int64) []counterBid {
	if displaced == nil || increment <= 0 {
		return nil
	}

	winning := warSide{newBid.BidderID, newBid.Amount, newBid.MaxAutoBid, newBid.Sequence}
	outbid := warSide{displaced.BidderID, displaced.Amount, displaced.MaxAutoBid, displaced.Sequence}

	var steps []counterBid
	for outbid.ceiling != nil {
		counter := winning.amount + increment
		if *outbid.ceiling < counter {
			counter = *outbid.ceiling
		}

		admitted := counter > winning.amount ||
			(counter == winning.amount && outbid.origSeq < winning.origSeq)
		if !admitted {
			break
		}

		steps = append(steps, counterBid{
			BidderID:   outbid.bidderID,
			Amount:     counter,
			MaxAutoBid: outbid.ceiling,
		})
		outbid.amount = counter
		winning, outbid = outbid, winning
	}
	return steps
}
