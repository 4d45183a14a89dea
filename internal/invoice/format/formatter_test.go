package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatInvoiceNumber(t *testing.T) {
	issuedAt := time.Date(2025, 3, 7, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		template string
		seq      int64
		want     string
	}{
		{"default template", DefaultInvoiceNumberTemplate, 1, "INV-202503-000001"},
		{"short year and day", "{YY}{MM}{DD}-{SEQ}", 42, "250307-42"},
		{"custom padding", "R{SEQ4}", 7, "R0007"},
		{"sequence wider than padding", "R{SEQ4}", 123456, "R123456"},
		{"no tokens", "STATIC", 9, "STATIC"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FormatInvoiceNumber(tc.template, issuedAt, tc.seq)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFormatInvoiceNumberRejectsBadInput(t *testing.T) {
	issuedAt := time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC)

	_, err := FormatInvoiceNumber("", issuedAt, 1)
	assert.Error(t, err)

	_, err = FormatInvoiceNumber("INV-{SEQ6}", issuedAt, 0)
	assert.Error(t, err)

	_, err = FormatInvoiceNumber("INV-{NOPE}-{SEQ6}", issuedAt, 1)
	assert.Error(t, err)
}
