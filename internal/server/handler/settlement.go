package handler

import (
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/domatrade/internal/domain"
	"github.com/alanyoungcy/domatrade/internal/keeper"
)

// SettlementHandler forwards position actions to the settlement contract
// and reads oracle prices back. Either dependency may be nil, in which case
// its routes answer 503.
type SettlementHandler struct {
	settlement domain.SettlementLedger
	oracle     domain.PriceOracle
	logger     *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(settlement domain.SettlementLedger, oracle domain.PriceOracle, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{settlement: settlement, oracle: oracle, logger: logger}
}

type openSettlementRequest struct {
	Collateral decimal.Decimal `json:"collateral"`
	Leverage   int64           `json:"leverage"`
	IsLong     bool            `json:"isLong"`
}

type txResponse struct {
	Hash        string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
}

func toTxResponse(tx domain.TxResult) txResponse {
	return txResponse{Hash: tx.Hash, BlockNumber: tx.BlockNumber, GasUsed: tx.GasUsed}
}

// Open submits openPosition for the keeper wallet.
// POST /api/settlement/open
func (h *SettlementHandler) Open(w http.ResponseWriter, r *http.Request) {
	if h.settlement == nil {
		writeDomainError(w, r, h.logger, "open settlement position", errNoSettlement)
		return
	}
	var req openSettlementRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Leverage <= 0 {
		writeError(w, http.StatusBadRequest, "leverage must be positive")
		return
	}
	tx, err := h.settlement.OpenPosition(r.Context(), req.Collateral, req.Leverage, req.IsLong)
	if err != nil {
		writeDomainError(w, r, h.logger, "open settlement position", err)
		return
	}
	writeJSON(w, http.StatusOK, toTxResponse(tx))
}

// Close submits closePosition for the keeper wallet.
// POST /api/settlement/close
func (h *SettlementHandler) Close(w http.ResponseWriter, r *http.Request) {
	if h.settlement == nil {
		writeDomainError(w, r, h.logger, "close settlement position", errNoSettlement)
		return
	}
	tx, err := h.settlement.ClosePosition(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "close settlement position", err)
		return
	}
	writeJSON(w, http.StatusOK, toTxResponse(tx))
}

// Account reports an account's on-chain position and margin ratio.
// GET /api/settlement/accounts/{account}
func (h *SettlementHandler) Account(w http.ResponseWriter, r *http.Request) {
	if h.settlement == nil {
		writeDomainError(w, r, h.logger, "read settlement account", errNoSettlement)
		return
	}
	account := pathParam(r, "account")
	pos, err := h.settlement.Position(r.Context(), account)
	if err != nil {
		writeDomainError(w, r, h.logger, "read settlement account", err)
		return
	}
	resp := map[string]any{
		"account":    account,
		"open":       pos.Open(),
		"size":       pos.Size,
		"entryPrice": pos.EntryPrice,
		"isLong":     pos.IsLong,
	}
	if pos.Open() {
		ratio, err := h.settlement.MarginRatio(r.Context(), account)
		if err != nil {
			writeDomainError(w, r, h.logger, "read margin ratio", err)
			return
		}
		resp["marginRatio"] = ratio
	}
	writeJSON(w, http.StatusOK, resp)
}

// OraclePrice reads the on-chain price for ?asset=.
// GET /api/oracle/price
func (h *SettlementHandler) OraclePrice(w http.ResponseWriter, r *http.Request) {
	if h.oracle == nil {
		writeDomainError(w, r, h.logger, "read oracle price", errNoOracle)
		return
	}
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		writeError(w, http.StatusBadRequest, "asset query parameter required")
		return
	}
	id, err := keeper.AssetID(asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	scaled, err := h.oracle.Price(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "read oracle price", err)
		return
	}
	raw := decimal.Zero
	if scaled != nil {
		raw = decimal.NewFromBigInt(scaled, 0)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":  asset,
		"scaled": raw.String(),
		"price":  keeper.UnscalePrice(raw),
	})
}

var (
	errNoSettlement = errChain("settlement contract not configured")
	errNoOracle     = errChain("oracle contract not configured")
)
