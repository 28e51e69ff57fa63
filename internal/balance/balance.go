// Package balance reads the legacy balance report.
//
// Each of the five report fields was written either as a JSON number already
// in display units, or as a string holding an integer amount of probi (10^18
// probi per whole token). Both are accepted; the report is always written
// back as numbers.
package balance

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Field names. Do not change these values: they are read back from state
// written by earlier releases.
const (
	KeyGrants             = "grants"
	KeyAdEarnings         = "earning_from_ads"
	KeyAutoContributions  = "auto_contribute"
	KeyRecurringDonations = "recurring_donation"
	KeyOneTimeDonations   = "one_time_donation"
)

var (
	// ErrMalformed is returned when the report is not a JSON object.
	ErrMalformed = errors.New("balance: report is not a JSON object")

	// ErrMissingField is returned when a field is absent or is neither a
	// number nor a probi string.
	ErrMissingField = errors.New("balance: missing field")

	// ErrInvalidProbi is returned for a probi string that is not a
	// non-negative integer.
	ErrInvalidProbi = errors.New("balance: invalid probi amount")
)

// probiPerToken is 10^18.
var probiPerToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Report is a balance report in display units.
type Report struct {
	Grants             float64 `json:"grants"`
	AdEarnings         float64 `json:"earning_from_ads"`
	AutoContributions  float64 `json:"auto_contribute"`
	RecurringDonations float64 `json:"recurring_donation"`
	OneTimeDonations   float64 `json:"one_time_donation"`
}

// ParseReport decodes a report. Every field must be present in one of the
// two encodings or the whole report is rejected.
func ParseReport(data []byte) (Report, error) {
	var dict map[string]json.RawMessage
	if err := json.Unmarshal(data, &dict); err != nil || dict == nil {
		return Report{}, ErrMalformed
	}

	var r Report
	fields := []struct {
		key string
		dst *float64
	}{
		{KeyGrants, &r.Grants},
		{KeyAdEarnings, &r.AdEarnings},
		{KeyAutoContributions, &r.AutoContributions},
		{KeyRecurringDonations, &r.RecurringDonations},
		{KeyOneTimeDonations, &r.OneTimeDonations},
	}
	for _, f := range fields {
		v, err := decodeAmount(dict[f.key])
		if err != nil {
			return Report{}, fmt.Errorf("%w: %s: %w", ErrMissingField, f.key, err)
		}
		*f.dst = v
	}
	return r, nil
}

// amountDecoders are tried in order: display-unit number, then probi string.
var amountDecoders = []func(json.RawMessage) (float64, bool, error){
	numberAmount,
	probiAmount,
}

func decodeAmount(raw json.RawMessage) (float64, error) {
	if raw == nil || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return 0, errors.New("absent")
	}
	for _, decode := range amountDecoders {
		v, ok, err := decode(raw)
		if err != nil {
			return 0, err
		}
		if ok {
			return v, nil
		}
	}
	return 0, errors.New("neither a number nor a string")
}

func numberAmount(raw json.RawMessage) (float64, bool, error) {
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false, nil
	}
	return v, true, nil
}

func probiAmount(raw json.RawMessage) (float64, bool, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false, nil
	}
	v, err := ProbiToFloat(s)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// ProbiToFloat converts an integer probi amount to display units. The
// division is exact; rounding happens once, in the final conversion.
func ProbiToFloat(probi string) (float64, error) {
	probi = strings.TrimSpace(probi)
	n, ok := new(big.Int).SetString(probi, 10)
	if !ok || n.Sign() < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidProbi, probi)
	}
	f, _ := new(big.Rat).SetFrac(n, probiPerToken).Float64()
	return f, nil
}

// Total returns the sum of all five fields.
func (r Report) Total() float64 {
	return r.Grants + r.AdEarnings + r.AutoContributions + r.RecurringDonations + r.OneTimeDonations
}
