package orchestration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/weftworks/weft/core"
)

// Builtins is the default capability set: a self-contained demo catalog
// that exercises every category and permission tier without external
// services. Search and booking nodes return synthetic data; the summarizer
// uses the AI client when one is present and a deterministic fallback
// otherwise.
type Builtins struct {
	ai     core.AIClient
	logger core.Logger
}

// NewBuiltins creates the built-in capability set. Both arguments are
// optional.
func NewBuiltins(ai core.AIClient, logger core.Logger) *Builtins {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Builtins{ai: ai, logger: logger}
}

// Capabilities returns the built-in adapters keyed by invoke target name.
func (b *Builtins) Capabilities() map[string]Capability {
	return map[string]Capability{
		"flight_search":      NewCapability(nil, b.flightSearch),
		"hotel_search":       NewCapability(nil, b.hotelSearch),
		"web_search":         NewCapability([]string{"query"}, b.webSearch),
		"cost_analysis":      NewCapability([]string{"flight_options"}, b.costAnalysis),
		"preference_matcher": NewCapability([]string{"flight_options"}, b.preferenceMatcher),
		"flight_booking":     NewCapability([]string{"selected_flight"}, b.flightBooking),
		"payment_processing": NewCapability([]string{"amount"}, b.paymentProcessing),
		"result_summarizer":  NewCapability([]string{"results"}, b.resultSummarizer),
		"data_formatter":     NewCapability([]string{"raw_data"}, b.dataFormatter),
		"user_query":         &interactiveCapability{},
	}
}

// Binder resolves invoke targets for catalog documents against the
// built-in set.
func (b *Builtins) Binder() CapabilityBinder {
	caps := b.Capabilities()
	return func(invoke string) (Capability, bool) {
		c, ok := caps[invoke]
		return c, ok
	}
}

// RegisterAll registers the default descriptors. Used when no registry
// file is configured.
func (b *Builtins) RegisterAll(c *Catalog) error {
	caps := b.Capabilities()
	descriptors := []NodeDescriptor{
		{
			Name:        "flight_search",
			Description: "Search for flight options and prices between two airports",
			Category:    CategorySearch,
			Inputs:      []string{"from", "to", "date"},
			Outputs:     []string{"flight_options"},
		},
		{
			Name:           "hotel_search",
			Description:    "Search for hotel options and prices",
			Category:       CategorySearch,
			PermissionTier: TierBasic,
			Inputs:         []string{"location", "check_in", "check_out"},
			Outputs:        []string{"hotel_options"},
		},
		{
			Name:        "web_search",
			Description: "Search the web for current information",
			Category:    CategorySearch,
			Inputs:      []string{"query", "num_results"},
			Outputs:     []string{"search_results"},
		},
		{
			Name:        "cost_analysis",
			Description: "Analyze flight options for the cheapest and best-value choice",
			Category:    CategoryAnalysis,
			Inputs:      []string{"flight_options"},
			Outputs:     []string{"cost_analysis", "recommendation"},
		},
		{
			Name:        "preference_matcher",
			Description: "Match flight options against user preferences",
			Category:    CategoryAnalysis,
			Inputs:      []string{"flight_options", "preferences"},
			Outputs:     []string{"matched_flights", "match_summary"},
		},
		{
			Name:           "flight_booking",
			Description:    "Book a flight ticket for the selected option",
			Category:       CategoryBooking,
			PermissionTier: TierSensitive,
			Inputs:         []string{"selected_flight", "user_info"},
			Outputs:        []string{"booking_confirmation"},
		},
		{
			Name:           "payment_processing",
			Description:    "Process payment for a booking",
			Category:       CategoryPayment,
			PermissionTier: TierCritical,
			Inputs:         []string{"amount", "payment_method", "description"},
			Outputs:        []string{"payment_confirmation"},
		},
		{
			Name:        "result_summarizer",
			Description: "Summarize results and provide recommendations",
			Category:    CategoryAnalysis,
			Inputs:      []string{"results", "user_question"},
			Outputs:     []string{"summary"},
		},
		{
			Name:        "data_formatter",
			Description: "Format data for better presentation",
			Category:    CategoryTransformation,
			Inputs:      []string{"raw_data", "format_type"},
			Outputs:     []string{"formatted_data"},
		},
		{
			Name:        "user_query",
			Description: "Ask the user for additional information or clarification",
			Category:    CategoryCommunication,
			Interactive: true,
			Inputs:      []string{"question"},
			Outputs:     []string{"user_response"},
		},
	}

	for _, desc := range descriptors {
		desc.Capability = caps[desc.Name]
		if err := c.Register(desc); err != nil {
			return err
		}
	}

	b.logger.Info("Built-in capability set registered", map[string]interface{}{
		"operation": "builtin_register",
		"nodes":     len(descriptors),
	})
	return nil
}

// flightSearch returns three synthetic fares for any route. The data is
// stable so workflows over it are reproducible.
func (b *Builtins) flightSearch(ctx context.Context, inputs map[string]interface{}) (Result, error) {
	from := stringInput(inputs, "from", "LAX")
	to := stringInput(inputs, "to", "PVG")
	date := stringInput(inputs, "date", "2024-07-01")

	flights := []map[string]interface{}{
		{
			"airline": "United Airlines", "flight_number": "UA857",
			"departure": "14:30", "arrival": "18:45", "duration": "12h 15m",
			"price": 850.0, "stops": 0,
			"from": from, "to": to, "date": date,
		},
		{
			"airline": "China Eastern", "flight_number": "MU586",
			"departure": "15:45", "arrival": "19:30", "duration": "11h 45m",
			"price": 720.0, "stops": 1,
			"from": from, "to": to, "date": date,
		},
		{
			"airline": "Delta Airlines", "flight_number": "DL287",
			"departure": "16:20", "arrival": "20:15", "duration": "11h 55m",
			"price": 920.0, "stops": 0,
			"from": from, "to": to, "date": date,
		},
	}
	return Result{"flight_options": flights}, nil
}

// hotelSearch returns synthetic hotel options for a location.
func (b *Builtins) hotelSearch(ctx context.Context, inputs map[string]interface{}) (Result, error) {
	location := stringInput(inputs, "location", "Shanghai")
	checkIn := stringInput(inputs, "check_in", "")
	checkOut := stringInput(inputs, "check_out", "")

	hotels := []map[string]interface{}{
		{
			"name": "Grand Plaza", "rating": 4.6, "price_per_night": 210.0,
			"location": location, "check_in": checkIn, "check_out": checkOut,
		},
		{
			"name": "Riverside Inn", "rating": 4.1, "price_per_night": 120.0,
			"location": location, "check_in": checkIn, "check_out": checkOut,
		},
		{
			"name": "Airport Express Hotel", "rating": 3.8, "price_per_night": 95.0,
			"location": location, "check_in": checkIn, "check_out": checkOut,
		},
	}
	return Result{"hotel_options": hotels}, nil
}

// webSearch returns synthetic search results. The built-in set stays
// offline; a deployment needing live search registers its own capability.
func (b *Builtins) webSearch(ctx context.Context, inputs map[string]interface{}) (Result, error) {
	query := stringInput(inputs, "query", "")
	n := intInput(inputs, "num_results", 3)
	if n < 1 {
		n = 1
	} else if n > 10 {
		n = 10
	}

	results := make([]map[string]interface{}, 0, n)
	for i := 1; i <= n; i++ {
		results = append(results, map[string]interface{}{
			"title":   fmt.Sprintf("Result %d for %q", i, query),
			"snippet": fmt.Sprintf("Reference material %d related to %s.", i, query),
			"link":    fmt.Sprintf("https://example.com/search/%d", i),
		})
	}
	return Result{"search_results": results}, nil
}

// costAnalysis picks the cheapest and the best price-per-hour option from
// a flight list.
func (b *Builtins) costAnalysis(ctx context.Context, inputs map[string]interface{}) (Result, error) {
	flights := flightList(inputs["flight_options"])
	if len(flights) == 0 {
		return Result{
			"cost_analysis":  map[string]interface{}{"summary": "No flight options to analyze"},
			"recommendation": "No flight options to analyze",
		}, nil
	}

	cheapest := flights[0]
	bestValue := flights[0]
	bestRate := pricePerHour(flights[0])
	for _, f := range flights[1:] {
		if price(f) < price(cheapest) {
			cheapest = f
		}
		if rate := pricePerHour(f); rate < bestRate {
			bestRate = rate
			bestValue = f
		}
	}

	recommendation := fmt.Sprintf("Best value: %s %s at $%.0f",
		asString(bestValue["airline"]), asString(bestValue["flight_number"]), price(bestValue))

	analysis := map[string]interface{}{
		"cheapest":       cheapest,
		"best_value":     bestValue,
		"recommendation": recommendation,
	}
	return Result{"cost_analysis": analysis, "recommendation": recommendation}, nil
}

// preferenceMatcher filters flights whose departure time contains the
// preferred window (for example "afternoon" matched against "14:30" never
// hits, but "14:" does; callers usually pass exact hours or "any").
func (b *Builtins) preferenceMatcher(ctx context.Context, inputs map[string]interface{}) (Result, error) {
	flights := flightList(inputs["flight_options"])
	pref := strings.ToLower(stringInput(inputs, "preferences", "any"))

	var matched []map[string]interface{}
	for _, f := range flights {
		departure := strings.ToLower(asString(f["departure"]))
		if pref == "any" || pref == "" || strings.Contains(departure, pref) {
			matched = append(matched, f)
		}
	}

	summary := fmt.Sprintf("Found %d flights matching preference: %s", len(matched), pref)
	return Result{"matched_flights": matched, "match_summary": summary}, nil
}

// flightBooking simulates a ticket purchase and returns a deterministic
// confirmation.
func (b *Builtins) flightBooking(ctx context.Context, inputs map[string]interface{}) (Result, error) {
	flight, ok := inputs["selected_flight"].(map[string]interface{})
	if !ok {
		// A list is a common designer mistake: book the first option.
		if flights := flightList(inputs["selected_flight"]); len(flights) > 0 {
			flight = flights[0]
		} else {
			return nil, fmt.Errorf("selected_flight is not a flight object")
		}
	}

	userInfo, _ := inputs["user_info"].(map[string]interface{})
	name := "Unknown"
	if userInfo != nil {
		name = stringInput(userInfo, "name", "Unknown")
	}

	confirmation := map[string]interface{}{
		"status": "success",
		"message": fmt.Sprintf("Flight booked for %s on %s %s",
			name, asString(flight["airline"]), asString(flight["flight_number"])),
		"flight":     flight,
		"user":       userInfo,
		"booking_id": referenceID("BK", flight, userInfo),
	}
	return Result{"booking_confirmation": confirmation}, nil
}

// paymentProcessing simulates a charge and returns a confirmation record.
func (b *Builtins) paymentProcessing(ctx context.Context, inputs map[string]interface{}) (Result, error) {
	amount := floatInput(inputs, "amount", 0)
	if amount <= 0 {
		return nil, NewError("capability.payment_processing", KindInvalidInput,
			fmt.Errorf("amount must be positive, got %v", inputs["amount"]))
	}
	method := stringInput(inputs, "payment_method", "credit_card")
	description := stringInput(inputs, "description", "")

	confirmation := map[string]interface{}{
		"status":      "success",
		"amount":      amount,
		"method":      method,
		"description": description,
		"reference":   referenceID("PAY", amount, method, description),
	}
	return Result{"payment_confirmation": confirmation}, nil
}

// resultSummarizer composes a closing summary. With an AI client present
// the summary is model-written; otherwise a deterministic rendering of the
// results is returned.
func (b *Builtins) resultSummarizer(ctx context.Context, inputs map[string]interface{}) (Result, error) {
	results := inputs["results"]
	question := stringInput(inputs, "user_question", "")

	if b.ai == nil {
		return Result{"summary": renderResults(question, results)}, nil
	}

	prompt := fmt.Sprintf(`You are a helpful assistant. Summarize the following workflow results for the user.

User request: %s

Results:
%s

Provide a concise summary and a clear recommendation.`, question, renderValue(results))

	resp, err := b.ai.GenerateResponse(ctx, prompt, &core.AIOptions{Temperature: 0.4, MaxTokens: 600})
	if err != nil {
		b.logger.Warn("Summarizer LLM call failed, using deterministic summary", map[string]interface{}{
			"operation": "builtin_summarize",
			"error":     err.Error(),
		})
		return Result{"summary": renderResults(question, results)}, nil
	}
	return Result{"summary": resp.Content}, nil
}

// dataFormatter renders a value as text, JSON, or a comparison table.
func (b *Builtins) dataFormatter(ctx context.Context, inputs map[string]interface{}) (Result, error) {
	raw := inputs["raw_data"]
	format := stringInput(inputs, "format_type", "text")

	var formatted string
	switch format {
	case "json":
		data, err := json.MarshalIndent(raw, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("format as json: %w", err)
		}
		formatted = string(data)
	case "comparison_table":
		formatted = comparisonTable(raw)
	default:
		formatted = renderValue(raw)
	}
	return Result{"formatted_data": formatted}, nil
}

// interactiveCapability backs user_query. The Executor intercepts
// interactive nodes before Run: it emits a user question, suspends on a
// waiter, and commits the reply itself. Run only fires if an interactive
// node is invoked outside a session, which is a wiring error.
type interactiveCapability struct{}

func (i *interactiveCapability) Prepare(ctx context.Context, view ScratchpadReader, bindings map[string]interface{}) (Prepared, error) {
	question := stringInput(bindings, "question", "")
	if question == "" {
		return Prepared{}, NewError("capability.user_query", KindInvalidInput,
			fmt.Errorf("required input %q is missing", "question"))
	}
	inputs := make(map[string]interface{}, len(bindings))
	for k, v := range bindings {
		inputs[k] = v
	}
	return Prepared{Inputs: inputs}, nil
}

func (i *interactiveCapability) Run(ctx context.Context, prep Prepared) (Result, error) {
	return nil, NewError("capability.user_query", KindCapabilityFailed,
		fmt.Errorf("user_query requires an interactive session"))
}

func (i *interactiveCapability) Commit(ctx context.Context, pad ScratchpadWriter, prep Prepared, res Result) (string, error) {
	for _, key := range prep.DeclaredOutputs {
		if v, ok := res[key]; ok {
			pad.Set(key, v)
		}
	}
	return "", nil
}

// Input coercion helpers. Step outputs round-trip through JSON in the run
// store, so values arrive as strings, float64s, []interface{}, and
// map[string]interface{} depending on where they were produced.

func stringInput(inputs map[string]interface{}, key, fallback string) string {
	v, ok := inputs[key]
	if !ok || v == nil {
		return fallback
	}
	s := asString(v)
	if s == "" {
		return fallback
	}
	return s
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func intInput(inputs map[string]interface{}, key string, fallback int) int {
	v, ok := inputs[key]
	if !ok || v == nil {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return fallback
}

func floatInput(inputs map[string]interface{}, key string, fallback float64) float64 {
	v, ok := inputs[key]
	if !ok || v == nil {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		if parsed, err := strconv.ParseFloat(n, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// flightList coerces a value into a list of flight objects regardless of
// whether it came straight from a capability or through a JSON round-trip.
func flightList(v interface{}) []map[string]interface{} {
	switch list := v.(type) {
	case []map[string]interface{}:
		return list
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func price(f map[string]interface{}) float64 {
	return floatInput(f, "price", 0)
}

// pricePerHour divides price by the parsed "12h 15m" style duration.
// Unparseable durations fall back to the raw price, matching the cheapest
// ordering.
func pricePerHour(f map[string]interface{}) float64 {
	p := price(f)
	hours := parseDurationHours(asString(f["duration"]))
	if hours <= 0 {
		return p
	}
	return p / hours
}

func parseDurationHours(s string) float64 {
	var hours float64
	for _, part := range strings.Fields(s) {
		switch {
		case strings.HasSuffix(part, "h"):
			if v, err := strconv.ParseFloat(strings.TrimSuffix(part, "h"), 64); err == nil {
				hours += v
			}
		case strings.HasSuffix(part, "m"):
			if v, err := strconv.ParseFloat(strings.TrimSuffix(part, "m"), 64); err == nil {
				hours += v / 60
			}
		}
	}
	return hours
}

// referenceID derives a short stable id from its inputs.
func referenceID(prefix string, parts ...interface{}) string {
	data, _ := json.Marshal(parts)
	sum := sha256.Sum256(data)
	return prefix + strings.ToUpper(hex.EncodeToString(sum[:4]))
}

// renderResults is the deterministic summary fallback.
func renderResults(question string, results interface{}) string {
	var b strings.Builder
	if question != "" {
		fmt.Fprintf(&b, "Summary for: %s\n\n", question)
	}
	b.WriteString(renderValue(results))
	return b.String()
}

// renderValue renders a JSON-ish value as readable text.
func renderValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, renderValue(val[k]))
		}
		return b.String()
	case []interface{}:
		var b strings.Builder
		for i, item := range val {
			fmt.Fprintf(&b, "%d. %s\n", i+1, renderValue(item))
		}
		return b.String()
	case []map[string]interface{}:
		var b strings.Builder
		for i, item := range val {
			fmt.Fprintf(&b, "%d. %s\n", i+1, renderValue(item))
		}
		return b.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// comparisonTable renders a list of objects as an aligned text table over
// the union of their keys.
func comparisonTable(v interface{}) string {
	rows := flightList(v)
	if len(rows) == 0 {
		return renderValue(v)
	}

	keySet := make(map[string]bool)
	for _, row := range rows {
		for k, val := range row {
			switch val.(type) {
			case map[string]interface{}, []interface{}, []map[string]interface{}:
				// Nested values do not tabulate.
			default:
				keySet[k] = true
			}
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	widths := make([]int, len(keys))
	for i, k := range keys {
		widths[i] = len(k)
		for _, row := range rows {
			if cell := asString(row[k]); len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	for i, k := range keys {
		fmt.Fprintf(&b, "%-*s", widths[i]+2, k)
	}
	b.WriteString("\n")
	for _, row := range rows {
		for i, k := range keys {
			fmt.Fprintf(&b, "%-*s", widths[i]+2, asString(row[k]))
		}
		b.WriteString("\n")
	}
	return b.String()
}
