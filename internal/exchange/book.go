package exchange

import "kraken-bot/pkg/types"

// ApplyBookSnapshot replaces both sides of the book with a fresh snapshot,
// per the `book` channel's "snapshot" message type: both sides are cleared
// before the new levels are applied.
func ApplyBookSnapshot(book *types.BookState, item types.BookWireItem) {
	book.ClearSide("bids")
	book.ClearSide("asks")
	for _, lvl := range item.Bids {
		book.ApplyLevel("bids", lvl.Price, lvl.Qty)
	}
	for _, lvl := range item.Asks {
		book.ApplyLevel("asks", lvl.Price, lvl.Qty)
	}
}

// ApplyBookUpdate applies an incremental `book` channel "update" message:
// each level is an upsert, qty=0 removes the price from its side.
func ApplyBookUpdate(book *types.BookState, item types.BookWireItem) {
	for _, lvl := range item.Bids {
		book.ApplyLevel("bids", lvl.Price, lvl.Qty)
	}
	for _, lvl := range item.Asks {
		book.ApplyLevel("asks", lvl.Price, lvl.Qty)
	}
}
