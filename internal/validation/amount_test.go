package validation

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestIsValidAmount(t *testing.T) {
	tests := []struct {
		amount string
		want   bool
	}{
		{"0.01", true},
		{"12.34", true},
		{"21.90", true},
		{"100", true},
		{"0", false},
		{"0.001", false},
		{"-5", false},
		{"21.905", false},
	}

	for _, tt := range tests {
		got := IsValidAmount(decimal.RequireFromString(tt.amount))
		if got != tt.want {
			t.Errorf("IsValidAmount(%s) = %v, want %v", tt.amount, got, tt.want)
		}
	}
}

func TestVATRateBP(t *testing.T) {
	tests := []struct {
		rate   string
		wantBP int64
		wantOK bool
	}{
		{"21", 2100, true},
		{"18.5", 1850, true},
		{"0", 0, true},
		{"99.99", 9999, true},
		{"12.34", 1234, true},
		{"100", 0, false},
		{"-1", 0, false},
		{"21.005", 0, false},
	}

	for _, tt := range tests {
		bp, ok := VATRateBP(decimal.RequireFromString(tt.rate))
		if ok != tt.wantOK || bp != tt.wantBP {
			t.Errorf("VATRateBP(%s) = (%d, %v), want (%d, %v)", tt.rate, bp, ok, tt.wantBP, tt.wantOK)
		}
	}
}
