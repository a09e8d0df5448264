package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gavelworks/auctiond/internal/domain/auctions"
	"github.com/gavelworks/auctiond/internal/domain/bidding"
	"github.com/gavelworks/auctiond/internal/domain/notifications"
	"github.com/gavelworks/auctiond/internal/domain/settlement"
	"github.com/gavelworks/auctiond/pkg/auth"
)

// Handler exposes the auction engine over HTTP/JSON.
type Handler struct {
	auctionService      *auctions.Service
	biddingEngine       *bidding.Engine
	settlementEngine    *settlement.Engine
	notificationService *notifications.Service
	logger              *slog.Logger
}

func NewHandler(
	auctionService *auctions.Service,
	biddingEngine *bidding.Engine,
	settlementEngine *settlement.Engine,
	notificationService *notifications.Service,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		auctionService:      auctionService,
		biddingEngine:       biddingEngine,
		settlementEngine:    settlementEngine,
		notificationService: notificationService,
		logger:              logger,
	}
}

// Routes builds the HTTP mux. Reads are public; everything that acts on
// behalf of a user goes through the auth middleware.
func (h *Handler) Routes(signer *auth.Signer) http.Handler {
	authed := auth.Middleware(signer)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/auctions", h.listAuctions)
	mux.HandleFunc("GET /v1/auctions/{id}", h.getAuction)
	mux.HandleFunc("GET /v1/auctions/{id}/bids", h.listBids)

	mux.Handle("POST /v1/auctions", authed(http.HandlerFunc(h.createAuction)))
	mux.Handle("POST /v1/auctions/{id}/bids", authed(http.HandlerFunc(h.placeBid)))
	mux.Handle("POST /v1/auctions/{id}/buy", authed(http.HandlerFunc(h.buyNow)))
	mux.Handle("POST /v1/auctions/{id}/watch", authed(http.HandlerFunc(h.watchAuction)))
	mux.Handle("POST /v1/auctions/{id}/cancel", authed(http.HandlerFunc(h.cancelAuction)))
	mux.Handle("GET /v1/notifications", authed(http.HandlerFunc(h.listNotifications)))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type createAuctionRequest struct {
	Title      string `json:"title"`
	ProductRef string `json:"product_ref"`
	Type       string `json:"type"`

	StartingPrice   int64  `json:"starting_price"`
	ReservePrice    *int64 `json:"reserve_price,omitempty"`
	BuyNowPrice     *int64 `json:"buy_now_price,omitempty"`
	MinBidIncrement int64  `json:"min_bid_increment"`

	DutchStartPrice           int64 `json:"dutch_start_price,omitempty"`
	DutchEndPrice             int64 `json:"dutch_end_price,omitempty"`
	DutchDecrementAmount      int64 `json:"dutch_decrement_amount,omitempty"`
	DutchDecrementIntervalSec int64 `json:"dutch_decrement_interval_seconds,omitempty"`

	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time"`
	AutoExtendWindowSec int64     `json:"auto_extend_window_seconds,omitempty"`
	MaxBidsPerUser      *int      `json:"max_bids_per_user,omitempty"`
}

type placeBidRequest struct {
	Amount     int64  `json:"amount"`
	MaxAutoBid *int64 `json:"max_auto_bid,omitempty"`
}

type buyNowRequest struct {
	ExpectedPrice int64 `json:"expected_price"`
}

type auctionResponse struct {
	ID              uuid.UUID  `json:"id"`
	SellerID        uuid.UUID  `json:"seller_id"`
	Title           string     `json:"title"`
	ProductRef      string     `json:"product_ref"`
	Type            string     `json:"type"`
	Status          string     `json:"status"`
	StartingPrice   int64      `json:"starting_price"`
	CurrentPrice    int64      `json:"current_price"`
	BuyNowPrice     *int64     `json:"buy_now_price,omitempty"`
	MinBidIncrement int64      `json:"min_bid_increment"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         time.Time  `json:"end_time"`
	ExtensionCount  int        `json:"extension_count"`
	WinnerID        *uuid.UUID `json:"winner_id,omitempty"`
	BidCount        int        `json:"bid_count"`
	ViewCount       int64      `json:"view_count"`
}

type bidResponse struct {
	ID        uuid.UUID `json:"id"`
	BidderID  uuid.UUID `json:"bidder_id"`
	Amount    int64     `json:"amount"`
	Sequence  int       `json:"sequence"`
	IsSealed  bool      `json:"is_sealed"`
	IsWinning bool      `json:"is_winning"`
	IsAutoBid bool      `json:"is_auto_bid"`
	CreatedAt time.Time `json:"created_at"`
}

type placeBidResponse struct {
	Bid          bidResponse `json:"bid"`
	CurrentPrice int64       `json:"current_price"`
	EndTime      time.Time   `json:"end_time"`
}

type buyNowResponse struct {
	OrderID     uuid.UUID `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	Amount      int64     `json:"amount"`
}

type notificationResponse struct {
	ID        uuid.UUID  `json:"id"`
	AuctionID uuid.UUID  `json:"auction_id"`
	Kind      string     `json:"kind"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

func toAuctionResponse(a *auctions.Auction) auctionResponse {
	return auctionResponse{
		ID:              a.ID,
		SellerID:        a.SellerID,
		Title:           a.Title,
		ProductRef:      a.ProductRef,
		Type:            string(a.Type),
		Status:          string(a.Status),
		StartingPrice:   a.StartingPrice,
		CurrentPrice:    a.CurrentPrice,
		BuyNowPrice:     a.BuyNowPrice,
		MinBidIncrement: a.MinBidIncrement,
		StartTime:       a.StartTime,
		EndTime:         a.EndTime,
		ExtensionCount:  a.ExtensionCount,
		WinnerID:        a.WinnerID,
		BidCount:        a.BidCount,
		ViewCount:       a.ViewCount,
	}
}

func toBidResponse(b *auctions.Bid) bidResponse {
	return bidResponse{
		ID:        b.ID,
		BidderID:  b.BidderID,
		Amount:    b.Amount,
		Sequence:  b.Sequence,
		IsSealed:  b.IsSealed,
		IsWinning: b.IsWinning,
		IsAutoBid: b.IsAutoBid,
		CreatedAt: b.CreatedAt,
	}
}

func (h *Handler) createAuction(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req createAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	auction, err := h.auctionService.CreateAuction(r.Context(), auctions.CreateAuctionCommand{
		SellerID:               userID,
		Title:                  req.Title,
		ProductRef:             req.ProductRef,
		Type:                   auctions.AuctionType(req.Type),
		StartingPrice:          req.StartingPrice,
		ReservePrice:           req.ReservePrice,
		BuyNowPrice:            req.BuyNowPrice,
		MinBidIncrement:        req.MinBidIncrement,
		DutchStartPrice:        req.DutchStartPrice,
		DutchEndPrice:          req.DutchEndPrice,
		DutchDecrementAmount:   req.DutchDecrementAmount,
		DutchDecrementInterval: time.Duration(req.DutchDecrementIntervalSec) * time.Second,
		StartTime:              req.StartTime,
		EndTime:                req.EndTime,
		AutoExtendWindow:       time.Duration(req.AutoExtendWindowSec) * time.Second,
		MaxBidsPerUser:         req.MaxBidsPerUser,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toAuctionResponse(auction))
}

func (h *Handler) getAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	auction, err := h.auctionService.GetAuction(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toAuctionResponse(auction))
}

func (h *Handler) listAuctions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	list, err := h.auctionService.ListActiveAuctions(r.Context(), limit, offset)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := make([]auctionResponse, 0, len(list))
	for _, a := range list {
		resp = append(resp, toAuctionResponse(a))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"auctions": resp})
}

func (h *Handler) listBids(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	bids, err := h.auctionService.ListBids(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := make([]bidResponse, 0, len(bids))
	for _, b := range bids {
		resp = append(resp, toBidResponse(b))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"bids": resp})
}

func (h *Handler) placeBid(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.biddingEngine.PlaceBid(r.Context(), bidding.PlaceBidCommand{
		AuctionID:  id,
		BidderID:   userID,
		Amount:     req.Amount,
		MaxAutoBid: req.MaxAutoBid,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, placeBidResponse{
		Bid:          toBidResponse(result.Bid),
		CurrentPrice: result.CurrentPrice,
		EndTime:      result.EndTime,
	})
}

func (h *Handler) buyNow(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req buyNowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.settlementEngine.BuyNow(r.Context(), settlement.BuyNowCommand{
		AuctionID:     id,
		BuyerID:       userID,
		ExpectedPrice: req.ExpectedPrice,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, buyNowResponse{
		OrderID:     result.OrderID,
		OrderNumber: result.OrderNumber,
		Amount:      result.Amount,
	})
}

func (h *Handler) watchAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	if err := h.auctionService.WatchAuction(r.Context(), id, userID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cancelAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	if err := h.auctionService.CancelAuction(r.Context(), id, userID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.notificationService.ListForUser(r.Context(), userID, limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := make([]notificationResponse, 0, len(list))
	for _, n := range list {
		resp = append(resp, notificationResponse{
			ID:        n.ID,
			AuctionID: n.AuctionID,
			Kind:      string(n.Kind),
			Body:      n.Body,
			CreatedAt: n.CreatedAt,
			ReadAt:    n.ReadAt,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"notifications": resp})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid auction id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps domain sentinels onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auctions.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, auctions.ErrAlreadySold),
		errors.Is(err, auctions.ErrAuctionClosed),
		errors.Is(err, auctions.ErrPriceChanged),
		errors.Is(err, auctions.ErrCannotCancel):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auctions.ErrBidTooLow),
		errors.Is(err, auctions.ErrAlreadyWinning),
		errors.Is(err, auctions.ErrBidLimitExceeded),
		errors.Is(err, auctions.ErrInvalidAmount),
		errors.Is(err, auctions.ErrSellerCannotBid),
		errors.Is(err, auctions.ErrBuyNowUnavailable),
		errors.Is(err, auctions.ErrInvalidStartingPrice),
		errors.Is(err, auctions.ErrInvalidTimeWindow),
		errors.Is(err, auctions.ErrInvalidIncrement),
		errors.Is(err, auctions.ErrInvalidBuyNowPrice),
		errors.Is(err, auctions.ErrInvalidDutchSchedule),
		errors.Is(err, bidding.ErrInvalidMaxAutoBid):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, auctions.ErrInsufficientFunds):
		h.writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, auctions.ErrNotSeller):
		h.writeError(w, http.StatusForbidden, err.Error())
	default:
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
