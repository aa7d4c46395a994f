// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redact

import (
	"testing"
)

func TestNormalizeCQL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "select with string literal",
			input:    "SELECT * FROM ks.users WHERE name = 'john'",
			expected: "SELECT * FROM ks.users WHERE name = ?",
		},
		{
			name:     "escaped quote",
			input:    "SELECT * FROM ks.users WHERE name = 'o''brien'",
			expected: "SELECT * FROM ks.users WHERE name = ?",
		},
		{
			name:     "select with numeric",
			input:    "SELECT * FROM users WHERE id = 42 LIMIT 10",
			expected: "SELECT * FROM users WHERE id = ? LIMIT ?",
		},
		{
			name:     "insert with values",
			input:    "INSERT INTO users (name, age) VALUES ('alice', 30)",
			expected: "INSERT INTO users (name, age) VALUES (?, ?)",
		},
		{
			name:     "IN list",
			input:    "SELECT * FROM users WHERE id IN (1, 2, 3, 4)",
			expected: "SELECT * FROM users WHERE id IN (?)",
		},
		{
			name:     "blob literal",
			input:    "SELECT * FROM data WHERE hash = 0xDEADBEEF",
			expected: "SELECT * FROM data WHERE hash = ?",
		},
		{
			name:     "uuid literal",
			input:    "SELECT * FROM t WHERE id = 123e4567-e89b-12d3-a456-426614174000",
			expected: "SELECT * FROM t WHERE id = ?",
		},
		{
			name:     "dollar quoted",
			input:    "INSERT INTO notes (body) VALUES ($$it's here$$)",
			expected: "INSERT INTO notes (body) VALUES (?)",
		},
		{
			name:     "quoted identifier kept",
			input:    `SELECT "Name" FROM "Users" WHERE k = 7`,
			expected: `SELECT "Name" FROM "Users" WHERE k = ?`,
		},
		{
			name:     "identifiers with digits kept",
			input:    "SELECT c1 FROM ks2.t3",
			expected: "SELECT c1 FROM ks2.t3",
		},
		{
			name:     "no literals",
			input:    "SELECT * FROM system_schema.keyspaces",
			expected: "SELECT * FROM system_schema.keyspaces",
		},
		{
			name:     "empty",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeCQL(tt.input)
			if got != tt.expected {
				t.Errorf("NormalizeCQL(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNormalizeStatementDropsValues(t *testing.T) {
	body := "SELECT * FROM t WHERE k = ?\nValues = [0x01]"
	if got := NormalizeStatement(body); got != "SELECT * FROM t WHERE k = ?" {
		t.Errorf("NormalizeStatement = %q", got)
	}
}
