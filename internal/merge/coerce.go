package merge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/internal/entity"
	"github.com/joseph-ayodele/credit-extractor/internal/schema"
)

var (
	reNumber        = regexp.MustCompile(`^[+-]?\d+(\.\d+)?$`)
	reThousandsOnly = regexp.MustCompile(`^[+-]?\d{1,3}(\.\d{3})+$`)
	currencyCodes   = []string{"EUR", "USD", "GBP", "CHF"}
	dateLayouts     = []string{entity.DateLayout, "02.01.2006", "2.1.2006", "02/01/2006", "2/1/2006"}
)

// Coerce converts raw into the rule's type. It fails with a human readable
// message when the text does not parse.
func Coerce(raw string, rule schema.Rule) (entity.Value, error) {
	s := strings.TrimSpace(raw)
	switch rule.Type {
	case constants.FieldNumber:
		f, err := parseNumber(s, rule.DecimalComma)
		if err != nil {
			return nil, err
		}
		return entity.NumberValue(f), nil
	case constants.FieldDate:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return entity.DateValue{Time: t}, nil
			}
		}
		return nil, fmt.Errorf("%q is not a date", raw)
	case constants.FieldBoolean:
		switch strings.ToLower(s) {
		case "true", "yes", "ja", "x", "[x]", "1":
			return entity.BoolValue(true), nil
		case "false", "no", "nein", "[ ]", "0":
			return entity.BoolValue(false), nil
		}
		return nil, fmt.Errorf("%q is not a yes/no value", raw)
	}
	return entity.StringValue(s), nil
}

// parseNumber accepts German ("1.234,56") or English ("1,234.56") grouping
// depending on decimalComma, with currency symbols and spaces removed.
func parseNumber(s string, decimalComma bool) (float64, error) {
	orig := s
	for _, code := range currencyCodes {
		s = strings.ReplaceAll(strings.ReplaceAll(s, code, ""), strings.ToLower(code), "")
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.Is(unicode.Sc, r) || r == '\'' {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSuffix(s, ",-")

	if decimalComma {
		switch {
		case strings.Contains(s, ","):
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		case strings.Count(s, ".") > 1 || reThousandsOnly.MatchString(s):
			// "250.000" or "1.250.000": dots group thousands
			s = strings.ReplaceAll(s, ".", "")
		}
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}
	if !reNumber.MatchString(s) {
		return 0, fmt.Errorf("%q is not a number", orig)
	}
	return strconv.ParseFloat(s, 64)
}
