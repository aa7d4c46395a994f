// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redact

import (
	"testing"

	"github.com/mbeema/wiretap/pkg/config"
)

func TestRedactCreditCard(t *testing.T) {
	r := New(true, nil)
	tests := []struct {
		input    string
		expected string
	}{
		{"card: 4111111111111111", "card: [REDACTED_CC]"},
		{"card: 4111-1111-1111-1111", "card: [REDACTED_CC]"},
		{"no card here", "no card here"},
	}
	for _, tt := range tests {
		got := r.Redact(tt.input)
		if got != tt.expected {
			t.Errorf("Redact(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestRedactSSN(t *testing.T) {
	r := New(true, nil)
	input := "ssn: 123-45-6789"
	got := r.Redact(input)
	if got != "ssn: [REDACTED_SSN]" {
		t.Errorf("Redact(%q) = %q", input, got)
	}
}

func TestRedactRolePassword(t *testing.T) {
	r := New(true, nil)
	tests := []struct {
		input string
		want  string
	}{
		{"CREATE ROLE alice WITH PASSWORD = 's3cr''et' AND LOGIN = true",
			"CREATE ROLE alice WITH PASSWORD = '[REDACTED]' AND LOGIN = true"},
		{"ALTER USER bob WITH PASSWORD 'hunter2'", "ALTER USER bob WITH PASSWORD '[REDACTED]'"},
	}
	for _, tt := range tests {
		got := r.Redact(tt.input)
		if got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestRedactCredentialOption(t *testing.T) {
	r := New(true, nil)
	got := r.Redact(`{"CQL_VERSION":"3.0.0","password":"pw"}`)
	if got != `{"CQL_VERSION":"3.0.0","password":"[REDACTED]"}` {
		t.Errorf("Redact = %q", got)
	}
}

func TestRedactDisabled(t *testing.T) {
	r := New(false, nil)
	input := "card: 4111111111111111"
	if got := r.Redact(input); got != input {
		t.Errorf("disabled Redact should return input unchanged, got %q", got)
	}
	if got := r.Statement("SELECT * FROM t WHERE k = 1"); got != "SELECT * FROM t WHERE k = 1" {
		t.Errorf("disabled Statement = %q", got)
	}
}

func TestStatement(t *testing.T) {
	r := New(true, nil)
	got := r.Statement("SELECT * FROM ks.t WHERE k = 'x' AND n = 3\nValues = [0x01]")
	if got != "SELECT * FROM ks.t WHERE k = ? AND n = ?" {
		t.Errorf("Statement = %q", got)
	}
}

func TestRedactMap(t *testing.T) {
	r := New(true, nil)
	attrs := map[string]string{
		"db.statement": "ALTER ROLE r WITH PASSWORD = 'secret'",
		"db.system":    "cassandra",
	}
	r.RedactMap(attrs, "db.statement")
	if attrs["db.statement"] != "ALTER ROLE r WITH PASSWORD = '[REDACTED]'" {
		t.Errorf("db.statement = %q", attrs["db.statement"])
	}
	if attrs["db.system"] != "cassandra" {
		t.Error("db.system should be unchanged")
	}
}

func TestFromConfig(t *testing.T) {
	r, err := FromConfig(config.RedactionConfig{
		Enabled: true,
		Rules:   []config.RedactionRule{{Name: "tenant", Pattern: `tenant_\w+`}},
	})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if got := r.Redact("USE tenant_acme"); got != "USE [REDACTED]" {
		t.Errorf("Redact = %q", got)
	}

	_, err = FromConfig(config.RedactionConfig{
		Enabled: true,
		Rules:   []config.RedactionRule{{Name: "bad", Pattern: `(`}},
	})
	if err == nil {
		t.Error("expected error for invalid pattern")
	}
}
