// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package redaction

import (
	"regexp"
	"sync"
)

// PatternVersion tracks the redaction pattern database version.
const PatternVersion = "2026.02"

// Pattern defines one category of sensitive text to redact.
//
// Description:
//
//	Pattern pairs a placeholder category with the regex that detects it.
//	Patterns are applied in the order they appear in DefaultPatterns;
//	more specific patterns (full bearer tokens) must run before more
//	general ones so a secret is never redacted twice under two categories.
//
// Thread Safety:
//
//	Safe for concurrent use after the first Regexp() call. Compilation
//	uses sync.Once.
type Pattern struct {
	// Category names the placeholder family, e.g. EMAIL yields
	// [REDACTED_EMAIL_1]. Uppercase alphanumerics and underscores only.
	Category string

	// Expr is the regex source for this category.
	Expr string

	// compiled is the compiled regex (lazily initialized).
	compiled *regexp.Regexp

	// once ensures thread-safe compilation.
	once sync.Once
}

// Regexp returns the compiled regex, compiling it on first use.
func (p *Pattern) Regexp() *regexp.Regexp {
	p.once.Do(func() {
		p.compiled = regexp.MustCompile(p.Expr)
	})
	return p.compiled
}

// placeholderShape matches any placeholder this package mints. Text that is
// already placeholder-shaped must be recognized and skipped during
// sanitization, and its presence after rehydration is an integrity failure.
var placeholderShape = regexp.MustCompile(`\[REDACTED_[A-Z0-9_]+_\d+\]`)

// IsPlaceholder reports whether s is exactly one placeholder token.
func IsPlaceholder(s string) bool {
	loc := placeholderShape.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

// ContainsPlaceholder reports whether s contains any placeholder-shaped
// token anywhere.
func ContainsPlaceholder(s string) bool {
	return placeholderShape.MatchString(s)
}

// DefaultPatterns returns the ordered redaction pattern list.
//
// Description:
//
//	Ordering matters. Bearer tokens run before bare credential tokens so
//	"Bearer sk-..." is captured whole; MAC addresses run before IPv6 so
//	colon-separated hex pairs are not mistaken for address segments; UUIDs
//	run before IPv4 so no partial overlap is possible on dashed hex.
//
//	Each call returns a fresh slice so callers may append site-specific
//	patterns without affecting the defaults.
func DefaultPatterns() []*Pattern {
	return []*Pattern{
		{
			Category: "BEARER",
			Expr:     `(?i)\bBearer\s+[A-Za-z0-9\-._~+/]{8,}=*`,
		},
		{
			Category: "API_KEY",
			Expr:     `\b(?:sk|pk|rk)-[A-Za-z0-9]{16,}\b|\bgh[pousr]_[A-Za-z0-9]{20,}\b|\bxox[baprs]-[A-Za-z0-9-]{10,}\b|\bAKIA[0-9A-Z]{16}\b`,
		},
		{
			Category: "PASSWORD",
			Expr:     `(?i)\b(?:password|passwd|pwd|secret|api_key|apikey)\s*[=:]\s*[^\s,;]+`,
		},
		{
			Category: "EMAIL",
			Expr:     `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
		},
		{
			Category: "UUID",
			Expr:     `\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`,
		},
		{
			Category: "MAC",
			Expr:     `\b(?:[0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}\b`,
		},
		{
			// Full-form addresses (4+ segments) and single-compression forms.
			// Deliberately rough: false positives cost a placeholder, false
			// negatives leak an address to the generation backend.
			Category: "IPV6",
			Expr:     `\b(?:[0-9A-Fa-f]{1,4}:){3,7}[0-9A-Fa-f]{1,4}\b|\b(?:[0-9A-Fa-f]{1,4}:){1,6}:[0-9A-Fa-f]{1,4}\b`,
		},
		{
			Category: "IPV4",
			Expr:     `\b(?:\d{1,3}\.){3}\d{1,3}\b`,
		},
	}
}
