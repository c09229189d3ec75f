// Package jsonutil decodes loosely typed JSON written by the scraping
// pipeline, where a postal code may arrive as a number and a verification
// flag as a string.
package jsonutil

import (
	"encoding/json"
	"strconv"
	"strings"
)

// FlexibleStringValue converts a raw JSON value to a string. Numbers keep
// their literal form so "02134" and 2134 stay distinguishable in storage.
// Returns empty string for null/empty.
func FlexibleStringValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var strVal string
	if err := json.Unmarshal(raw, &strVal); err == nil {
		return strVal
	}

	var numVal json.Number
	if err := json.Unmarshal(raw, &numVal); err == nil {
		return numVal.String()
	}

	var boolVal bool
	if err := json.Unmarshal(raw, &boolVal); err == nil {
		return strconv.FormatBool(boolVal)
	}

	return string(raw)
}

// FlexibleBool accepts true/false, 0/1 and their string spellings
// ("yes", "y", "verified" count as true). Anything else is false.
func FlexibleBool(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}

	switch strings.ToLower(strings.TrimSpace(FlexibleStringValue(raw))) {
	case "true", "1", "yes", "y", "verified":
		return true
	default:
		return false
	}
}

// FlexibleFloat parses numbers and numeric strings. Unparseable values are 0.
func FlexibleFloat(raw json.RawMessage) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(FlexibleStringValue(raw)), 64)
	if err != nil {
		return 0
	}
	return f
}
