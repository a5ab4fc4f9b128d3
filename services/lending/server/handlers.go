package server

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"nhblend/native/lending"
	"nhblend/services/lending/audit"
)

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	position, err := s.engine.GetPosition(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionView(position))
}

func (s *Server) handleGetPositionHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.engine.GetPositionHealth(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHealthView(health))
}

func (s *Server) handleGetPositionLiquidations(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.GetPositionLiquidations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]liquidationView, 0, len(records))
	for _, record := range records {
		out = append(out, toLiquidationView(record))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetUserPositions(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("addr", chi.URLParam(r, "addr"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	positions, err := s.engine.GetUserPositions(r.Context(), owner, r.URL.Query().Get("asset"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetCollateral(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("addr", chi.URLParam(r, "addr"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	acct, err := s.engine.GetCollateralAccount(r.Context(), owner, chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCollateralView(acct))
}

func (s *Server) handleGetSupplierBalance(w http.ResponseWriter, r *http.Request) {
	provider, err := parseAddress("addr", chi.URLParam(r, "addr"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	asset := lending.NormalizeAsset(chi.URLParam(r, "asset"))
	balance, err := s.engine.GetSupplierBalance(r.Context(), asset, provider)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, supplierView{
		Provider: provider.Hex(),
		Asset:    asset,
		Shares:   amountString(balance.Shares),
		Amount:   amountString(balance.Amount),
	})
}

func (s *Server) handleGetMarketRates(w http.ResponseWriter, r *http.Request) {
	market, err := s.engine.GetMarketRates(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketView(market))
}

func (s *Server) handleGetRateHistory(w http.ResponseWriter, r *http.Request) {
	samples, err := s.engine.GetRateHistory(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRateSampleViews(samples))
}

func (s *Server) handleGetLiquidation(w http.ResponseWriter, r *http.Request) {
	record, err := s.engine.GetLiquidationData(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLiquidationView(record))
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	auction, err := s.engine.GetAuctionData(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuctionView(auction))
}

func (s *Server) handleDepositCollateral(w http.ResponseWriter, r *http.Request) {
	var req assetAmountRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	acct, err := s.engine.DepositCollateral(r.Context(), principal(r), req.Asset, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCollateralView(acct))
}

func (s *Server) handleWithdrawCollateral(w http.ResponseWriter, r *http.Request) {
	var req assetAmountRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recipient, err := parseOptionalAddress("recipient", req.Recipient)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	acct, err := s.engine.WithdrawCollateral(r.Context(), principal(r), req.Asset, amount, recipient)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCollateralView(acct))
}

func (s *Server) handleSupplyLiquidity(w http.ResponseWriter, r *http.Request) {
	var req assetAmountRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	shares, err := s.engine.SupplyLiquidity(r.Context(), principal(r), req.Asset, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, supplyResponse{
		Asset:  lending.NormalizeAsset(req.Asset),
		Amount: amount.String(),
		Shares: amountString(shares),
	})
}

func (s *Server) handleWithdrawLiquidity(w http.ResponseWriter, r *http.Request) {
	var req assetAmountRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	shares, err := s.engine.WithdrawLiquidity(r.Context(), principal(r), req.Asset, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, supplyResponse{
		Asset:  lending.NormalizeAsset(req.Asset),
		Amount: amount.String(),
		Shares: amountString(shares),
	})
}

func (s *Server) handleCreatePosition(w http.ResponseWriter, r *http.Request) {
	var req createPositionRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	borrow, err := parseAmount("borrowAmount", req.BorrowAmount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	collateral, err := parseAmount("collateralAmount", req.CollateralAmount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	position, err := s.engine.CreatePosition(r.Context(), principal(r), req.BorrowAsset, req.CollateralAsset, borrow, collateral)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/positions/"+position.ID)
	writeJSON(w, http.StatusCreated, toPositionView(position))
}

type positionAmountOp func(ctx context.Context, auth lending.AuthorizationContext, positionID string, amount *big.Int) (*lending.BorrowPosition, error)

// positionOp decodes {"amount": "..."} and applies op to the position named in
// the path.
func (s *Server) positionOp(op positionAmountOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req amountRequest
		if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		amount, err := parseAmount("amount", req.Amount)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		position, err := op(r.Context(), principal(r), chi.URLParam(r, "id"), amount)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toPositionView(position))
	}
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Liquidate(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, liquidateResponse{
		Liquidation: toLiquidationView(result.Record),
		Auction:     toAuctionView(result.Auction),
	})
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	auction, err := s.engine.PlaceBid(r.Context(), principal(r), chi.URLParam(r, "id"), amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuctionView(auction))
}

func (s *Server) handleFinalizeAuction(w http.ResponseWriter, r *http.Request) {
	auction, err := s.engine.FinalizeAuction(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuctionView(auction))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if err := requireOperator(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, configView{
		Markets:    s.engine.MarketConfigs(),
		Collateral: s.engine.CollateralConfigs(),
		Pauses:     s.engine.Pauses(),
	})
}

func (s *Server) handleSetMarketConfig(w http.ResponseWriter, r *http.Request) {
	var req marketConfigRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg, err := req.toConfig(chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.SetMarketConfig(r.Context(), principal(r), cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetCollateralConfig(w http.ResponseWriter, r *http.Request) {
	var req collateralConfigRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg, err := req.toConfig(chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.SetCollateralConfig(r.Context(), principal(r), cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetPauses(w http.ResponseWriter, r *http.Request) {
	var req lending.ActionPauses
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.SetPauses(r.Context(), principal(r), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Pauses())
}

func (s *Server) handleSetWhitelist(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("addr", chi.URLParam(r, "addr"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req whitelistRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.SetWhitelist(r.Context(), principal(r), addr, req.Allowed); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWithdrawReserves(w http.ResponseWriter, r *http.Request) {
	var req assetAmountRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recipient, err := parseOptionalAddress("recipient", req.Recipient)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	market, err := s.engine.WithdrawReserves(r.Context(), principal(r), req.Asset, amount, recipient)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketView(market))
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if !s.journalReady(w, r) {
		return
	}
	after, err := queryUint(r, "after", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryUint(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.journal.List(r.Context(), after, int(limit))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	if !s.journalReady(w, r) {
		return
	}
	checked, err := s.journal.Verify(r.Context())
	seq, head := s.journal.Head()
	resp := map[string]interface{}{"checked": checked, "headSeq": seq, "headHash": head, "valid": err == nil}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type exportResponse struct {
	Files   []string `json:"files"`
	Entries int      `json:"entries"`
}

// handleExport writes the audit journal and every market's rate history to
// parquet files under the configured export directory.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if !s.journalReady(w, r) {
		return
	}
	if s.exportDir == "" {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "exports are not configured", Kind: "state"})
		return
	}
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		s.writeError(w, r, fmt.Errorf("create export dir: %w", err))
		return
	}
	stamp := strconv.FormatInt(s.clock().UTC().Unix(), 10)
	resp := exportResponse{}

	auditPath := filepath.Join(s.exportDir, "audit-"+stamp+".parquet")
	written, err := s.journal.ExportEntries(r.Context(), auditPath)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.Entries = written
	resp.Files = append(resp.Files, auditPath)

	for _, market := range s.engine.MarketConfigs() {
		samples, err := s.engine.GetRateHistory(r.Context(), market.Asset)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		path := filepath.Join(s.exportDir, "rates-"+strings.ToLower(market.Asset)+"-"+stamp+".parquet")
		if err := audit.ExportRateHistory(path, market.Asset, samples); err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Files = append(resp.Files, path)
	}
	s.logger.Info("lending export written", "files", len(resp.Files), "entries", resp.Entries)
	writeJSON(w, http.StatusOK, resp)
}

// journalReady gates the audit endpoints on an operator caller and a
// configured journal.
func (s *Server) journalReady(w http.ResponseWriter, r *http.Request) bool {
	if err := requireOperator(r); err != nil {
		s.writeError(w, r, err)
		return false
	}
	if s.journal == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "audit journal is not configured", Kind: "state"})
		return false
	}
	return true
}

// requireOperator admits admins and risk managers.
func requireOperator(r *http.Request) error {
	p := principal(r)
	if p.HasCapability(lending.RoleAdmin) || p.HasCapability(lending.RoleRiskManager) {
		return nil
	}
	return lending.ErrUnauthorized
}

func queryUint(r *http.Request, key string, fallback uint64) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, key)
	}
	return v, nil
}
