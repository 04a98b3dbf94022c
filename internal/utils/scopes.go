package utils

import (
	"slices"
	"strings"
)

// SplitSpaces splits a space delimited OAuth parameter (scope, prompt, response_type, acr_values)
// into its non-empty members, dropping duplicates while keeping order.
func SplitSpaces(s string) []string {
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// JoinSpaces is the inverse of SplitSpaces.
func JoinSpaces(values []string) string {
	return strings.Join(values, " ")
}

// ContainsAll reports whether every member of subset is in set.
func ContainsAll(set, subset []string) bool {
	for _, s := range subset {
		if !slices.Contains(set, s) {
			return false
		}
	}
	return true
}

// Without returns a copy of values with every occurrence of drop removed.
func Without(values []string, drop string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}

func ToStringSlice(slice []any) []string {
	stringSlice := make([]string, 0)
	for _, v := range slice {
		if s, ok := v.(string); ok {
			stringSlice = append(stringSlice, s)
		}
	}
	return stringSlice
}
