package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lendexhq/lendex/pkg/core"
)

// Key schema:
//
//	inst:<id>               → Instrument
//	pos:<address>:<id>      → Position
//	ord:<order-id>          → OrderRecord
//	glob                    → Globals
//	meta:instrument_count   → uint64, big-endian
//
// Instrument ids are zero-padded hex so prefix scans come out in id order.
const (
	prefixInstrument = "inst:"
	prefixPosition   = "pos:"
	prefixOrder      = "ord:"
)

func instrumentKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixInstrument, id))
}

func positionKey(addr common.Address, instrument uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%016x", prefixPosition, addr.Hex(), instrument))
}

func orderKey(id core.OrderID) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixOrder, id.Hash().Hex()))
}

func globalsKey() []byte { return []byte("glob") }

func instrumentCountKey() []byte { return []byte("meta:instrument_count") }
