package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/weftworks/weft/llm/providers/mock"
)

func TestBuiltins_RegisterAll(t *testing.T) {
	catalog := NewCatalog(nil)
	if err := NewBuiltins(nil, nil).RegisterAll(catalog); err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}
	if catalog.Len() != 10 {
		t.Errorf("registered %d nodes, want 10", catalog.Len())
	}

	tiers := map[string]PermissionTier{
		"flight_search":      TierNone,
		"hotel_search":       TierBasic,
		"flight_booking":     TierSensitive,
		"payment_processing": TierCritical,
	}
	for name, want := range tiers {
		desc, err := catalog.Get(name)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", name, err)
		}
		if desc.PermissionTier != want {
			t.Errorf("%s tier = %s, want %s", name, desc.PermissionTier, want)
		}
	}

	userQuery, err := catalog.Get("user_query")
	if err != nil {
		t.Fatalf("Get(user_query) failed: %v", err)
	}
	if !userQuery.Interactive {
		t.Error("user_query should be interactive")
	}
}

func TestBuiltins_FlightSearch(t *testing.T) {
	b := NewBuiltins(nil, nil)
	res, err := b.flightSearch(context.Background(), map[string]interface{}{
		"from": "SFO", "to": "PVG", "date": "2024-08-01",
	})
	if err != nil {
		t.Fatalf("flightSearch failed: %v", err)
	}

	flights := flightList(res["flight_options"])
	if len(flights) != 3 {
		t.Fatalf("got %d flights, want 3", len(flights))
	}
	numbers := []string{
		asString(flights[0]["flight_number"]),
		asString(flights[1]["flight_number"]),
		asString(flights[2]["flight_number"]),
	}
	if numbers[0] != "UA857" || numbers[1] != "MU586" || numbers[2] != "DL287" {
		t.Errorf("flight numbers = %v", numbers)
	}
	if flights[0]["from"] != "SFO" || flights[0]["to"] != "PVG" {
		t.Errorf("route inputs not echoed: %v", flights[0])
	}
}

func TestBuiltins_WebSearchClampsResultCount(t *testing.T) {
	b := NewBuiltins(nil, nil)

	tests := []struct {
		in   interface{}
		want int
	}{
		{nil, 3},
		{0, 1},
		{99, 10},
		{float64(2), 2},
	}
	for _, tt := range tests {
		res, err := b.webSearch(context.Background(), map[string]interface{}{
			"query": "go concurrency", "num_results": tt.in,
		})
		if err != nil {
			t.Fatalf("webSearch failed: %v", err)
		}
		results := res["search_results"].([]map[string]interface{})
		if len(results) != tt.want {
			t.Errorf("num_results %v produced %d results, want %d", tt.in, len(results), tt.want)
		}
	}
}

func TestBuiltins_CostAnalysis(t *testing.T) {
	b := NewBuiltins(nil, nil)
	search, err := b.flightSearch(context.Background(), nil)
	if err != nil {
		t.Fatalf("flightSearch failed: %v", err)
	}

	res, err := b.costAnalysis(context.Background(), map[string]interface{}{
		"flight_options": search["flight_options"],
	})
	if err != nil {
		t.Fatalf("costAnalysis failed: %v", err)
	}

	if res["recommendation"] != "Best value: China Eastern MU586 at $720" {
		t.Errorf("recommendation = %q", res["recommendation"])
	}

	analysis := res["cost_analysis"].(map[string]interface{})
	cheapest := analysis["cheapest"].(map[string]interface{})
	if asString(cheapest["flight_number"]) != "MU586" {
		t.Errorf("cheapest = %v", cheapest["flight_number"])
	}
}

func TestBuiltins_CostAnalysisEmptyInput(t *testing.T) {
	b := NewBuiltins(nil, nil)
	res, err := b.costAnalysis(context.Background(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("costAnalysis failed: %v", err)
	}
	if res["recommendation"] != "No flight options to analyze" {
		t.Errorf("recommendation = %q", res["recommendation"])
	}
}

func TestBuiltins_PreferenceMatcher(t *testing.T) {
	b := NewBuiltins(nil, nil)
	search, _ := b.flightSearch(context.Background(), nil)
	options := search["flight_options"]

	res, err := b.preferenceMatcher(context.Background(), map[string]interface{}{
		"flight_options": options, "preferences": "15:",
	})
	if err != nil {
		t.Fatalf("preferenceMatcher failed: %v", err)
	}
	matched := res["matched_flights"].([]map[string]interface{})
	if len(matched) != 1 || asString(matched[0]["flight_number"]) != "MU586" {
		t.Errorf("matched = %v", matched)
	}
	if !strings.Contains(asString(res["match_summary"]), "Found 1 flights") {
		t.Errorf("match_summary = %q", res["match_summary"])
	}

	res, err = b.preferenceMatcher(context.Background(), map[string]interface{}{
		"flight_options": options, "preferences": "any",
	})
	if err != nil {
		t.Fatalf("preferenceMatcher failed: %v", err)
	}
	if matched := res["matched_flights"].([]map[string]interface{}); len(matched) != 3 {
		t.Errorf("'any' matched %d flights, want 3", len(matched))
	}
}

func TestBuiltins_FlightBooking(t *testing.T) {
	b := NewBuiltins(nil, nil)
	flight := map[string]interface{}{
		"airline": "China Eastern", "flight_number": "MU586", "price": 720.0,
	}

	res, err := b.flightBooking(context.Background(), map[string]interface{}{
		"selected_flight": flight,
		"user_info":       map[string]interface{}{"name": "Dana"},
	})
	if err != nil {
		t.Fatalf("flightBooking failed: %v", err)
	}
	confirmation := res["booking_confirmation"].(map[string]interface{})
	if confirmation["status"] != "success" {
		t.Errorf("status = %v", confirmation["status"])
	}
	if msg := asString(confirmation["message"]); !strings.Contains(msg, "Dana") || !strings.Contains(msg, "MU586") {
		t.Errorf("message = %q", msg)
	}
	id := asString(confirmation["booking_id"])
	if !strings.HasPrefix(id, "BK") || len(id) != 10 {
		t.Errorf("booking_id = %q", id)
	}

	// A designer that binds the whole option list still books something.
	res, err = b.flightBooking(context.Background(), map[string]interface{}{
		"selected_flight": []interface{}{flight},
	})
	if err != nil {
		t.Fatalf("flightBooking with list failed: %v", err)
	}
	confirmation = res["booking_confirmation"].(map[string]interface{})
	booked := confirmation["flight"].(map[string]interface{})
	if asString(booked["flight_number"]) != "MU586" {
		t.Errorf("list fallback booked %v", booked["flight_number"])
	}

	if _, err := b.flightBooking(context.Background(), map[string]interface{}{"selected_flight": "MU586"}); err == nil {
		t.Error("booking accepted a non-object flight")
	}
}

func TestBuiltins_PaymentProcessing(t *testing.T) {
	b := NewBuiltins(nil, nil)

	res, err := b.paymentProcessing(context.Background(), map[string]interface{}{
		"amount": "720", "payment_method": "credit_card", "description": "MU586 ticket",
	})
	if err != nil {
		t.Fatalf("paymentProcessing failed: %v", err)
	}
	confirmation := res["payment_confirmation"].(map[string]interface{})
	if confirmation["amount"] != 720.0 {
		t.Errorf("amount = %v, want 720", confirmation["amount"])
	}
	if ref := asString(confirmation["reference"]); !strings.HasPrefix(ref, "PAY") {
		t.Errorf("reference = %q", ref)
	}

	_, err = b.paymentProcessing(context.Background(), map[string]interface{}{"amount": -1})
	if err == nil {
		t.Fatal("negative amount accepted")
	}
	if KindOf(err) != KindInvalidInput {
		t.Errorf("kind = %s, want %s", KindOf(err), KindInvalidInput)
	}
}

func TestBuiltins_ResultSummarizer(t *testing.T) {
	results := map[string]interface{}{"recommendation": "Take MU586"}

	res, err := NewBuiltins(nil, nil).resultSummarizer(context.Background(), map[string]interface{}{
		"results": results, "user_question": "Find me a flight",
	})
	if err != nil {
		t.Fatalf("resultSummarizer failed: %v", err)
	}
	summary := asString(res["summary"])
	if !strings.Contains(summary, "Summary for: Find me a flight") || !strings.Contains(summary, "Take MU586") {
		t.Errorf("deterministic summary = %q", summary)
	}

	ai := mock.NewClient(nil)
	ai.SetResponses("MU586 is the best option at $720.")
	res, err = NewBuiltins(ai, nil).resultSummarizer(context.Background(), map[string]interface{}{
		"results": results,
	})
	if err != nil {
		t.Fatalf("resultSummarizer with model failed: %v", err)
	}
	if res["summary"] != "MU586 is the best option at $720." {
		t.Errorf("model summary = %q", res["summary"])
	}

	ai.Reset()
	ai.SetError(errors.New("model unavailable"))
	res, err = NewBuiltins(ai, nil).resultSummarizer(context.Background(), map[string]interface{}{
		"results": results,
	})
	if err != nil {
		t.Fatalf("resultSummarizer should fall back on model failure: %v", err)
	}
	if !strings.Contains(asString(res["summary"]), "Take MU586") {
		t.Errorf("fallback summary = %q", res["summary"])
	}
}

func TestBuiltins_DataFormatter(t *testing.T) {
	b := NewBuiltins(nil, nil)
	rows := []interface{}{
		map[string]interface{}{"airline": "United Airlines", "price": 850.0},
		map[string]interface{}{"airline": "China Eastern", "price": 720.0},
	}

	res, err := b.dataFormatter(context.Background(), map[string]interface{}{
		"raw_data": rows, "format_type": "json",
	})
	if err != nil {
		t.Fatalf("dataFormatter json failed: %v", err)
	}
	var decoded []map[string]interface{}
	if err := json.Unmarshal([]byte(asString(res["formatted_data"])), &decoded); err != nil {
		t.Fatalf("json output does not parse: %v", err)
	}

	res, err = b.dataFormatter(context.Background(), map[string]interface{}{
		"raw_data": rows, "format_type": "comparison_table",
	})
	if err != nil {
		t.Fatalf("dataFormatter table failed: %v", err)
	}
	table := asString(res["formatted_data"])
	if !strings.Contains(table, "airline") || !strings.Contains(table, "China Eastern") {
		t.Errorf("table output = %q", table)
	}

	res, err = b.dataFormatter(context.Background(), map[string]interface{}{
		"raw_data": "plain note",
	})
	if err != nil {
		t.Fatalf("dataFormatter text failed: %v", err)
	}
	if res["formatted_data"] != "plain note" {
		t.Errorf("text output = %q", res["formatted_data"])
	}
}

func TestInteractiveCapability(t *testing.T) {
	capability := &interactiveCapability{}

	_, err := capability.Prepare(context.Background(), newTestPad(), map[string]interface{}{})
	if err == nil {
		t.Fatal("Prepare accepted an empty question")
	}
	if KindOf(err) != KindInvalidInput {
		t.Errorf("kind = %s, want %s", KindOf(err), KindInvalidInput)
	}

	prep, err := capability.Prepare(context.Background(), newTestPad(), map[string]interface{}{
		"question": "Window or aisle?",
	})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if _, err := capability.Run(context.Background(), prep); err == nil {
		t.Error("Run outside a session should fail")
	}

	pad := newTestPad()
	prep.DeclaredOutputs = []string{"user_response"}
	if _, err := capability.Commit(context.Background(), pad, prep, Result{"user_response": "window"}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if v, _ := pad.Get("user_response"); v != "window" {
		t.Errorf("user_response = %v", v)
	}
}
