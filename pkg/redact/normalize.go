// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redact

import (
	"regexp"
	"strings"
)

var (
	// CQL string constants: 'it''s' and $$pg-style$$.
	quotedStr = regexp.MustCompile(`'(?:[^']|'')*'`)
	dollarStr = regexp.MustCompile(`(?s)\$\$.*?\$\$`)

	uuidLiteral    = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	blobLiteral    = regexp.MustCompile(`\b0[xX][0-9a-fA-F]*\b`)
	numericLiteral = regexp.MustCompile(`(^|[^\w.])-?\d+(?:\.\d+)?(?:[eE][+-]?\d+)?\b`)

	// IN (1, 2, 3) or IN ('a', 'b'), only after the IN keyword.
	inList = regexp.MustCompile(`(?i)\bIN\s*\([^)]+\)`)
)

// NormalizeCQL replaces literal values in a CQL statement with '?'
// placeholders. Quoted identifiers ("MyTable") are left untouched.
func NormalizeCQL(stmt string) string {
	if stmt == "" {
		return stmt
	}

	result := inList.ReplaceAllString(stmt, "IN (?)")
	result = dollarStr.ReplaceAllString(result, "?")
	result = quotedStr.ReplaceAllString(result, "?")
	result = uuidLiteral.ReplaceAllString(result, "?")
	result = blobLiteral.ReplaceAllString(result, "?")
	result = numericLiteral.ReplaceAllString(result, "${1}?")
	return result
}

// NormalizeStatement normalizes the query text of a recorded request body
// and drops the rendered bound values that follow it.
func NormalizeStatement(body string) string {
	stmt, _, _ := strings.Cut(body, "\n")
	return NormalizeCQL(stmt)
}
