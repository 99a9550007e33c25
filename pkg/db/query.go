// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"strconv"
	"strings"
)

// Build the placeholder list and named arguments for an IN (...) clause.
// The returned string looks like ":prefix0, :prefix1" and the arguments are
// added to args. Callers must handle the empty list themselves since
// "IN ()" is not valid sql.
func InParams[T any](prefix string, values []T, args map[string]any) string {
	var sb strings.Builder
	for i, v := range values {
		if i > 0 {
			sb.WriteString(", ")
		}
		name := prefix + strconv.Itoa(i)
		sb.WriteString(":")
		sb.WriteString(name)
		args[name] = v
	}
	return sb.String()
}

// Check if the error was caused by a unique constraint violation.
func IsDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
