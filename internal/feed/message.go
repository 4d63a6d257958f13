package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

var errEmptyMessage = errors.New("feed: message carries no prices")

// priceMessage is the wire shape of a price update. A message carries either
// a single asset/price pair or a batch under "prices".
type priceMessage struct {
	Asset  string             `json:"asset"`
	Price  *float64           `json:"price"`
	Prices map[string]float64 `json:"prices"`
}

// DecodeSnapshot parses a price update message.
func DecodeSnapshot(data []byte) (domain.PriceSnapshot, error) {
	var msg priceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("feed: decode price message: %w", err)
	}
	snap := make(domain.PriceSnapshot, len(msg.Prices)+1)
	for asset, price := range msg.Prices {
		if asset = strings.TrimSpace(asset); asset != "" {
			snap[asset] = price
		}
	}
	if asset := strings.TrimSpace(msg.Asset); asset != "" && msg.Price != nil {
		snap[asset] = *msg.Price
	}
	if len(snap) == 0 {
		return nil, errEmptyMessage
	}
	return snap, nil
}
