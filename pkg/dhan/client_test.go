package dhan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		ClientID:    "1100001111",
		AccessToken: "token-xyz",
		BaseURL:     srv.URL,
	})
}

func TestLTPRequestShape(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/marketfeed/ltp" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("access-token"); got != "token-xyz" {
			t.Errorf("access-token = %q", got)
		}
		if got := r.Header.Get("client-id"); got != "1100001111" {
			t.Errorf("client-id = %q", got)
		}
		var body map[string][]int
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if len(body[SegmentIndex]) != 1 || body[SegmentIndex][0] != 13 {
			t.Errorf("body = %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": map[string]any{
				SegmentIndex: map[string]any{"13": map[string]any{"last_price": 21530.5}},
			},
		})
	})

	data, err := c.LTP(context.Background(), map[string][]int{SegmentIndex: {13}})
	if err != nil {
		t.Fatalf("LTP: %v", err)
	}
	if got := data[SegmentIndex]["13"].LastPrice; got != 21530.5 {
		t.Fatalf("last price = %v", got)
	}
}

func TestPlaceOrderPayload(t *testing.T) {
	var got orderPayload
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(OrderResponse{OrderID: "112111182045", OrderStatus: "PENDING"})
	})

	res, err := c.PlaceOrder(context.Background(), OrderParams{
		TransactionType: TransactionBuy,
		SecurityID:      "49081",
		Quantity:        65,
		OrderType:       OrderTypeMarket,
		ProductType:     ProductMargin,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.OrderID != "112111182045" {
		t.Fatalf("order id = %s", res.OrderID)
	}
	if got.DhanClientID != "1100001111" || got.ExchangeSegment != SegmentFNO ||
		got.Validity != ValidityDay || got.Quantity != 65 || got.Price != 0 {
		t.Fatalf("payload = %+v", got)
	}
}

func TestLimitOrderCarriesPrice(t *testing.T) {
	var got orderPayload
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(OrderResponse{OrderID: "1", OrderStatus: "PENDING"})
	})

	_, err := c.PlaceOrder(context.Background(), OrderParams{
		TransactionType: TransactionSell,
		SecurityID:      "49082",
		Quantity:        65,
		OrderType:       OrderTypeLimit,
		ProductType:     ProductMargin,
		Price:           142.55,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if got.Price != 142.55 || got.OrderType != OrderTypeLimit {
		t.Fatalf("payload = %+v", got)
	}
}

func TestOrderDetailPath(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/112111182045" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(OrderDetail{
			OrderID: "112111182045", OrderStatus: "TRADED", AverageTradedPrice: 131.2, FilledQty: 65,
		})
	})

	det, err := c.Order(context.Background(), "112111182045")
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if det.OrderStatus != "TRADED" || det.AverageTradedPrice != 131.2 {
		t.Fatalf("detail = %+v", det)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"errorType":    "Order_Error",
			"errorCode":    "DH-905",
			"errorMessage": "Missing required fields",
		})
	})

	_, err := c.FundLimit(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != "DH-905" || apiErr.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

// Run with -race: the settings endpoint swaps credentials while dashboard
// polls are in flight.
func TestSetCredentialsDuringRequests(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		// Header pair must come from the same SetCredentials call.
		id, tok := r.Header.Get("client-id"), r.Header.Get("access-token")
		if "token-"+id != tok && !(id == "1100001111" && tok == "token-xyz") {
			t.Errorf("torn credential pair: client-id=%q access-token=%q", id, tok)
		}
		json.NewEncoder(w).Encode(FundLimit{AvailableBalance: 1})
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := c.FundLimit(context.Background()); err != nil {
					t.Errorf("FundLimit: %v", err)
					return
				}
			}
		}()
	}
	for j := 0; j < 50; j++ {
		id := fmt.Sprintf("110000%04d", j)
		c.SetCredentials(id, "token-"+id)
	}
	wg.Wait()
}

func TestSessionExpiryHook(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{
			"errorType": "Invalid_Authentication", "errorCode": "DH-901", "errorMessage": "token expired",
		})
	})
	expired := false
	c.SessionExpiryHook = func() { expired = true }

	if _, err := c.Positions(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if !expired {
		t.Fatal("SessionExpiryHook not called")
	}
}
