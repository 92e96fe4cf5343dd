package apiserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/rewards/pkg/rewards"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type cartItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

type purchaseRequest struct {
	Items []cartItemRequest `json:"items"`
}

type productCreateRequest struct {
	Name          string `json:"name"`
	PointsCost    int64  `json:"points_cost"`
	TotalQuantity int64  `json:"total_quantity"`
	Unlimited     bool   `json:"unlimited"`
	Active        bool   `json:"active"`
}

type productPatchRequest struct {
	Name          *string `json:"name"`
	PointsCost    *int64  `json:"points_cost"`
	TotalQuantity *int64  `json:"total_quantity"`
	Unlimited     *bool   `json:"unlimited"`
	Active        *bool   `json:"active"`
}

type seedRequest struct {
	Points float64 `json:"points"`
}

type productResponse struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	PointsCost       int64  `json:"points_cost"`
	TotalQuantity    int64  `json:"total_quantity"`
	RedeemedQuantity int64  `json:"redeemed_quantity"`
	Unlimited        bool   `json:"unlimited"`
	Active           bool   `json:"active"`
	FullyRedeemed    bool   `json:"fully_redeemed"`
}

type voucherResponse struct {
	ID          string     `json:"id"`
	ProductID   string     `json:"product_id"`
	ProductName string     `json:"product_name"`
	PointsCost  int64      `json:"points_cost"`
	Code        string     `json:"code"`
	Status      string     `json:"status"`
	PurchasedAt time.Time  `json:"purchased_at"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
	UsedBy      string     `json:"used_by,omitempty"`
}

type expiringEntryResponse struct {
	Date          string  `json:"date"`
	Points        float64 `json:"points"`
	DaysRemaining int     `json:"days_remaining"`
}

type breakdownResponse struct {
	Usable       float64                 `json:"usable"`
	Expired      float64                 `json:"expired"`
	Total        float64                 `json:"total"`
	ExpiringSoon []expiringEntryResponse `json:"expiring_soon"`
}

func (handler *httpHandler) handleBreakdown(ctx *gin.Context) {
	acting, ok := handler.actingUser(ctx)
	if !ok {
		return
	}
	breakdown, err := handler.service.UserBreakdown(ctx.Request.Context(), acting.ID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	response := breakdownResponse{
		Usable:       breakdown.Usable,
		Expired:      breakdown.Expired,
		Total:        breakdown.Total,
		ExpiringSoon: make([]expiringEntryResponse, 0, len(breakdown.ExpiringSoon)),
	}
	for _, entry := range breakdown.ExpiringSoon {
		response.ExpiringSoon = append(response.ExpiringSoon, expiringEntryResponse{
			Date:          entry.DateKey,
			Points:        entry.Points,
			DaysRemaining: entry.DaysRemaining,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"points": response})
}

func (handler *httpHandler) handleShopProducts(ctx *gin.Context) {
	if _, ok := handler.actingUser(ctx); !ok {
		return
	}
	products, err := handler.service.ListProducts(ctx.Request.Context(), false)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"products": mapProducts(products)})
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	acting, ok := handler.actingUser(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	cart := make([]rewards.CartItem, 0, len(request.Items))
	for _, item := range request.Items {
		productID, err := rewards.NewProductID(item.ProductID)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		cart = append(cart, rewards.CartItem{ProductID: productID, Quantity: item.Quantity})
	}
	result, err := handler.service.Purchase(ctx.Request.Context(), acting, cart)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	vouchers := make([]voucherResponse, 0, len(result.Vouchers))
	for _, record := range result.Vouchers {
		vouchers = append(vouchers, mapVoucher(record))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"vouchers":     vouchers,
		"points_spent": result.PointsSpent,
	})
}

func (handler *httpHandler) handleVouchers(ctx *gin.Context) {
	acting, ok := handler.actingUser(ctx)
	if !ok {
		return
	}
	records, err := handler.service.ListUserVouchers(ctx.Request.Context(), acting.ID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	vouchers := make([]voucherResponse, 0, len(records))
	for _, record := range records {
		vouchers = append(vouchers, mapVoucher(record))
	}
	ctx.JSON(http.StatusOK, gin.H{"vouchers": vouchers})
}

func (handler *httpHandler) handleUseVoucher(ctx *gin.Context) {
	acting, ok := handler.actingUser(ctx)
	if !ok {
		return
	}
	voucherID, err := rewards.NewVoucherID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	record, err := handler.service.UseVoucher(ctx.Request.Context(), acting, voucherID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"voucher": mapVoucher(record)})
}

func (handler *httpHandler) handleAdminListProducts(ctx *gin.Context) {
	includeInactive := ctx.Query("include_inactive") == "true"
	products, err := handler.service.ListProducts(ctx.Request.Context(), includeInactive)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"products": mapProducts(products)})
}

func (handler *httpHandler) handleAdminCreateProduct(ctx *gin.Context) {
	acting, ok := handler.actingUser(ctx)
	if !ok {
		return
	}
	var request productCreateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	product, err := handler.service.CreateProduct(ctx.Request.Context(), acting, rewards.ProductSpec{
		Name:          request.Name,
		PointsCost:    request.PointsCost,
		TotalQuantity: request.TotalQuantity,
		Unlimited:     request.Unlimited,
		Active:        request.Active,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"product": mapProduct(product)})
}

func (handler *httpHandler) handleAdminUpdateProduct(ctx *gin.Context) {
	acting, ok := handler.actingUser(ctx)
	if !ok {
		return
	}
	productID, err := rewards.NewProductID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request productPatchRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	product, err := handler.service.UpdateProduct(ctx.Request.Context(), acting, productID, rewards.ProductPatch{
		Name:          request.Name,
		PointsCost:    request.PointsCost,
		TotalQuantity: request.TotalQuantity,
		Unlimited:     request.Unlimited,
		Active:        request.Active,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"product": mapProduct(product)})
}

func (handler *httpHandler) handleAdminDeleteProduct(ctx *gin.Context) {
	acting, ok := handler.actingUser(ctx)
	if !ok {
		return
	}
	productID, err := rewards.NewProductID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if err := handler.service.DeleteProduct(ctx.Request.Context(), acting, productID); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"deleted": productID.String()})
}

func (handler *httpHandler) handleAdminSweep(ctx *gin.Context) {
	report, err := handler.service.SweepAll(ctx.Request.Context(), time.Now().UTC())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"users_scanned": report.UsersScanned,
		"users_swept":   report.UsersSwept,
	})
}

func (handler *httpHandler) handleAdminSeed(ctx *gin.Context) {
	acting, ok := handler.actingUser(ctx)
	if !ok {
		return
	}
	userID, err := rewards.NewUserID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request seedRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	created, err := handler.service.SeedLedgerIfAbsent(ctx.Request.Context(), acting, userID, request.Points)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"created": created})
}

func (handler *httpHandler) handleAdminExpire(ctx *gin.Context) {
	acting, ok := handler.actingUser(ctx)
	if !ok {
		return
	}
	userID, err := rewards.NewUserID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if err := handler.service.ExpireAllUserPoints(ctx.Request.Context(), acting, userID); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"expired": userID.String()})
}

func (handler *httpHandler) handleAdminResetOldest(ctx *gin.Context) {
	acting, ok := handler.actingUser(ctx)
	if !ok {
		return
	}
	userID, err := rewards.NewUserID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if err := handler.service.ResetOldestEntryExpiration(ctx.Request.Context(), acting, userID); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reset": userID.String()})
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	var rejection rewards.PurchaseRejectionError
	if errors.As(err, &rejection) {
		lines := make([]gin.H, 0, len(rejection.Lines))
		for _, line := range rejection.Lines {
			lines = append(lines, gin.H{
				"product_id": line.ProductID.String(),
				"message":    line.Err.Error(),
			})
		}
		ctx.JSON(http.StatusConflict, gin.H{
			"error": gin.H{"code": "purchase_rejected", "message": rejection.Error(), "lines": lines},
		})
		return
	}
	var insufficientPoints rewards.InsufficientPointsError
	if errors.As(err, &insufficientPoints) {
		ctx.JSON(http.StatusConflict, gin.H{
			"error": gin.H{
				"code":      "insufficient_points",
				"message":   insufficientPoints.Error(),
				"shortfall": insufficientPoints.Shortfall,
			},
		})
		return
	}
	switch {
	case errors.Is(err, rewards.ErrInvalidInput):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
	case errors.Is(err, rewards.ErrNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	case errors.Is(err, rewards.ErrUnauthorized):
		ctx.JSON(http.StatusForbidden, errorResponse("unauthorized", err.Error()))
	case errors.Is(err, rewards.ErrInactiveProduct),
		errors.Is(err, rewards.ErrInsufficientInventory),
		errors.Is(err, rewards.ErrInsufficientPoints):
		ctx.JSON(http.StatusConflict, errorResponse("purchase_rejected", err.Error()))
	case errors.Is(err, rewards.ErrConcurrencyConflict):
		ctx.JSON(http.StatusConflict, errorResponse("conflict", "please retry"))
	case errors.Is(err, rewards.ErrStoreUnavailable):
		handler.logger.Warn("store unavailable", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("store_unavailable", "temporary storage failure"))
	default:
		handler.logger.Warn("store failure", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("store_error", "operation failed"))
	}
}

func mapProducts(products []rewards.VoucherProduct) []productResponse {
	responses := make([]productResponse, 0, len(products))
	for _, product := range products {
		responses = append(responses, mapProduct(product))
	}
	return responses
}

func mapProduct(product rewards.VoucherProduct) productResponse {
	return productResponse{
		ID:               product.ID.String(),
		Name:             product.Name,
		PointsCost:       product.PointsCost,
		TotalQuantity:    product.TotalQuantity,
		RedeemedQuantity: product.RedeemedQuantity,
		Unlimited:        product.Unlimited,
		Active:           product.Active,
		FullyRedeemed:    product.FullyRedeemed(),
	}
}

func mapVoucher(record rewards.VoucherRecord) voucherResponse {
	return voucherResponse{
		ID:          record.ID.String(),
		ProductID:   record.ProductID.String(),
		ProductName: record.ProductName,
		PointsCost:  record.PointsCost,
		Code:        record.Code,
		Status:      string(record.Status),
		PurchasedAt: record.PurchasedAt,
		UsedAt:      record.UsedAt,
		UsedBy:      record.UsedBy,
	}
}
