package apiserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/rewards/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/rewards/pkg/rewards"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestRewardsAPIEndToEnd(t *testing.T) {
	cfg := Config{
		ListenAddr:        ":0",
		AllowedOrigins:    []string{"http://localhost:8000"},
		SessionSigningKey: "secret-key",
		SessionIssuer:     "tauth",
		SessionCookieName: "app_session",
		AdminRole:         "admin",
	}

	server := startTestServer(t, cfg)
	memberCookie := buildSessionCookie(t, cfg, "member-user", "Member Person", nil)
	adminCookie := buildSessionCookie(t, cfg, "admin-user", "Admin Person", []string{"admin"})

	// No session cookie means no access.
	status, _ := execRequest(t, server, http.MethodGet, "/api/points", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a session, got %d", status)
	}

	// Members cannot reach admin routes.
	status, _ = execRequest(t, server, http.MethodPost, "/api/admin/sweep", memberCookie, nil)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for member on admin route, got %d", status)
	}

	// Seed the member's ledger from a lifetime balance.
	status, _ = execRequest(t, server, http.MethodPost, "/api/admin/users/member-user/seed", adminCookie,
		map[string]any{"points": 120})
	if status != http.StatusOK {
		t.Fatalf("seed failed with status %d", status)
	}

	var pointsEnvelope struct {
		Points struct {
			Usable float64 `json:"usable"`
			Total  float64 `json:"total"`
		} `json:"points"`
	}
	status, body := execRequest(t, server, http.MethodGet, "/api/points", memberCookie, nil)
	if status != http.StatusOK {
		t.Fatalf("points failed with status %d", status)
	}
	mustDecode(t, body, &pointsEnvelope)
	if pointsEnvelope.Points.Usable != 120 || pointsEnvelope.Points.Total != 120 {
		t.Fatalf("expected 120 usable points, got %+v", pointsEnvelope.Points)
	}

	// Publish a product.
	var productEnvelope struct {
		Product struct {
			ID string `json:"id"`
		} `json:"product"`
	}
	status, body = execRequest(t, server, http.MethodPost, "/api/admin/products", adminCookie, map[string]any{
		"name":           "Coffee voucher",
		"points_cost":    30,
		"total_quantity": 5,
		"active":         true,
	})
	if status != http.StatusOK {
		t.Fatalf("create product failed with status %d", status)
	}
	mustDecode(t, body, &productEnvelope)
	productID := productEnvelope.Product.ID
	if productID == "" {
		t.Fatalf("expected product id in response")
	}

	// The shop lists only active products.
	var shopEnvelope struct {
		Products []struct {
			ID         string `json:"id"`
			PointsCost int64  `json:"points_cost"`
		} `json:"products"`
	}
	status, body = execRequest(t, server, http.MethodGet, "/api/shop/products", memberCookie, nil)
	if status != http.StatusOK {
		t.Fatalf("shop products failed with status %d", status)
	}
	mustDecode(t, body, &shopEnvelope)
	if len(shopEnvelope.Products) != 1 || shopEnvelope.Products[0].ID != productID {
		t.Fatalf("unexpected shop listing: %+v", shopEnvelope.Products)
	}

	// Buy two units.
	var purchaseEnvelope struct {
		Vouchers []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Code   string `json:"code"`
		} `json:"vouchers"`
		PointsSpent int64 `json:"points_spent"`
	}
	status, body = execRequest(t, server, http.MethodPost, "/api/shop/purchase", memberCookie, map[string]any{
		"items": []map[string]any{{"product_id": productID, "quantity": 2}},
	})
	if status != http.StatusOK {
		t.Fatalf("purchase failed with status %d", status)
	}
	mustDecode(t, body, &purchaseEnvelope)
	if len(purchaseEnvelope.Vouchers) != 2 || purchaseEnvelope.PointsSpent != 60 {
		t.Fatalf("unexpected purchase result: %+v", purchaseEnvelope)
	}

	status, body = execRequest(t, server, http.MethodGet, "/api/points", memberCookie, nil)
	if status != http.StatusOK {
		t.Fatalf("points after purchase failed with status %d", status)
	}
	mustDecode(t, body, &pointsEnvelope)
	if pointsEnvelope.Points.Usable != 60 {
		t.Fatalf("expected 60 usable points left, got %+v", pointsEnvelope.Points)
	}

	// Redeem one voucher; a second redemption is refused.
	voucherID := purchaseEnvelope.Vouchers[0].ID
	var useEnvelope struct {
		Voucher struct {
			Status string `json:"status"`
			UsedBy string `json:"used_by"`
		} `json:"voucher"`
	}
	status, body = execRequest(t, server, http.MethodPost, "/api/vouchers/"+voucherID+"/use", memberCookie, nil)
	if status != http.StatusOK {
		t.Fatalf("use voucher failed with status %d", status)
	}
	mustDecode(t, body, &useEnvelope)
	if useEnvelope.Voucher.Status != "used" || useEnvelope.Voucher.UsedBy != "Member Person" {
		t.Fatalf("unexpected voucher state: %+v", useEnvelope.Voucher)
	}
	status, _ = execRequest(t, server, http.MethodPost, "/api/vouchers/"+voucherID+"/use", memberCookie, nil)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for double redemption, got %d", status)
	}

	// An oversized cart is rejected as one conflict, nothing issued.
	status, _ = execRequest(t, server, http.MethodPost, "/api/shop/purchase", memberCookie, map[string]any{
		"items": []map[string]any{{"product_id": productID, "quantity": 4}},
	})
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for insufficient inventory, got %d", status)
	}

	var vouchersEnvelope struct {
		Vouchers []struct {
			ID string `json:"id"`
		} `json:"vouchers"`
	}
	status, body = execRequest(t, server, http.MethodGet, "/api/vouchers", memberCookie, nil)
	if status != http.StatusOK {
		t.Fatalf("list vouchers failed with status %d", status)
	}
	mustDecode(t, body, &vouchersEnvelope)
	if len(vouchersEnvelope.Vouchers) != 2 {
		t.Fatalf("expected 2 vouchers, got %d", len(vouchersEnvelope.Vouchers))
	}

	// Admin sweep runs over every ledger.
	var sweepEnvelope struct {
		UsersScanned int `json:"users_scanned"`
	}
	status, body = execRequest(t, server, http.MethodPost, "/api/admin/sweep", adminCookie, nil)
	if status != http.StatusOK {
		t.Fatalf("sweep failed with status %d", status)
	}
	mustDecode(t, body, &sweepEnvelope)
	if sweepEnvelope.UsersScanned != 1 {
		t.Fatalf("expected 1 user scanned, got %d", sweepEnvelope.UsersScanned)
	}
}

func TestRewardsAPIBadPayloads(t *testing.T) {
	cfg := Config{
		ListenAddr:        ":0",
		AllowedOrigins:    []string{"http://localhost:8000"},
		SessionSigningKey: "secret-key",
		SessionIssuer:     "tauth",
		SessionCookieName: "app_session",
		AdminRole:         "admin",
	}
	server := startTestServer(t, cfg)
	memberCookie := buildSessionCookie(t, cfg, "payload-user", "Payload", nil)

	status, _ := execRequest(t, server, http.MethodPost, "/api/shop/purchase", memberCookie, map[string]any{
		"items": []map[string]any{},
	})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty cart, got %d", status)
	}

	status, _ = execRequest(t, server, http.MethodGet, "/api/points", memberCookie, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for a user with no ledger, got %d", status)
	}
}

func startTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(t.TempDir()+"/rewards.db"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open failed: %v", err)
	}
	if err := gormstore.Migrate(db); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	store := gormstore.New(db)
	clock := func() time.Time { return time.Now().UTC() }
	service, err := rewards.NewService(store, clock)
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}

	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		t.Fatalf("validator init failed: %v", err)
	}

	handler := &httpHandler{
		logger:  zap.NewNop(),
		service: service,
		cfg:     cfg,
	}
	router := setupRouter(cfg, handler, validator)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func buildSessionCookie(t *testing.T, cfg Config, userID string, displayName string, roles []string) *http.Cookie {
	t.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          userID,
		UserEmail:       userID + "@example.com",
		UserDisplayName: displayName,
		UserRoles:       roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.SessionSigningKey))
	if err != nil {
		t.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: cfg.SessionCookieName, Value: signed}
}

func execRequest(t *testing.T, server *httptest.Server, method, path string, cookie *http.Cookie, payload map[string]any) (int, []byte) {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, server.URL+path, body)
	if err != nil {
		t.Fatalf("request init failed: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var buffer bytes.Buffer
	if _, err := buffer.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body failed: %v", err)
	}
	return resp.StatusCode, buffer.Bytes()
}

func mustDecode(t *testing.T, raw []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(raw, target); err != nil {
		t.Fatalf("decode failed: %v (body %s)", err, raw)
	}
}
