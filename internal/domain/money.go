package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MinorUnitExponent — число знаков после запятой у поддерживаемой валюты.
const MinorUnitExponent = 2

// ParseMinor переводит десятичную строку ("5.99") в минимальные единицы (599).
// Значения с большей точностью, чем допускает валюта, отклоняются, а не округляются.
func ParseMinor(raw string) (int64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	scaled := d.Shift(MinorUnitExponent)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has more than %d decimal places", raw, MinorUnitExponent)
	}
	return scaled.IntPart(), nil
}

// FormatMinor переводит минимальные единицы в десятичную строку с фиксированной точностью.
func FormatMinor(minor int64) string {
	return decimal.New(minor, -MinorUnitExponent).StringFixed(MinorUnitExponent)
}
