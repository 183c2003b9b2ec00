// Package vin validates and decodes 17-character vehicle identification
// numbers per ISO 3779, including the North American check digit.
package vin

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrLength     = errors.New("vin must be 17 characters")
	ErrCharset    = errors.New("vin contains an invalid character")
	ErrCheckDigit = errors.New("vin check digit mismatch")
)

// Info is the decoded summary of a VIN.
type Info struct {
	VIN       string `json:"vin"`
	WMI       string `json:"wmi"`
	Region    string `json:"region"`
	ModelYear int    `json:"model_year"`
	Plant     string `json:"plant"`
	Serial    string `json:"serial"`
}

// I, O and Q are excluded from the VIN alphabet.
var transliteration = map[byte]int{
	'A': 1, 'B': 2, 'C': 3, 'D': 4, 'E': 5, 'F': 6, 'G': 7, 'H': 8,
	'J': 1, 'K': 2, 'L': 3, 'M': 4, 'N': 5, 'P': 7, 'R': 9,
	'S': 2, 'T': 3, 'U': 4, 'V': 5, 'W': 6, 'X': 7, 'Y': 8, 'Z': 9,
	'0': 0, '1': 1, '2': 2, '3': 3, '4': 4, '5': 5, '6': 6, '7': 7, '8': 8, '9': 9,
}

var weights = [17]int{8, 7, 6, 5, 4, 3, 2, 10, 0, 9, 8, 7, 6, 5, 4, 3, 2}

// Model year codes repeat on a 30-year cycle starting at 1980.
var yearCodes = map[byte]int{
	'A': 1980, 'B': 1981, 'C': 1982, 'D': 1983, 'E': 1984, 'F': 1985,
	'G': 1986, 'H': 1987, 'J': 1988, 'K': 1989, 'L': 1990, 'M': 1991,
	'N': 1992, 'P': 1993, 'R': 1994, 'S': 1995, 'T': 1996, 'V': 1997,
	'W': 1998, 'X': 1999, 'Y': 2000,
	'1': 2001, '2': 2002, '3': 2003, '4': 2004, '5': 2005,
	'6': 2006, '7': 2007, '8': 2008, '9': 2009,
}

// Validate normalizes and checks a VIN. The check digit rule is mandatory
// for North American vehicles and widely honored elsewhere, so it is
// enforced unconditionally.
func Validate(raw string) (string, error) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	if len(v) != 17 {
		return "", fmt.Errorf("%w: got %d", ErrLength, len(v))
	}

	sum := 0
	for i := 0; i < 17; i++ {
		val, ok := transliteration[v[i]]
		if !ok {
			return "", fmt.Errorf("%w: %q at position %d", ErrCharset, v[i], i+1)
		}
		sum += val * weights[i]
	}

	want := byte('0' + sum%11)
	if sum%11 == 10 {
		want = 'X'
	}
	if v[8] != want {
		return "", fmt.Errorf("%w: have %q, want %q", ErrCheckDigit, v[8], want)
	}
	return v, nil
}

// Decode validates and extracts the region, model year, plant and serial.
// The year code is ambiguous across 30-year cycles; the most recent year
// not in the future wins.
func Decode(raw string, now time.Time) (Info, error) {
	v, err := Validate(raw)
	if err != nil {
		return Info{}, err
	}

	info := Info{
		VIN:    v,
		WMI:    v[:3],
		Region: regionOf(v[0]),
		Plant:  string(v[10]),
		Serial: v[11:],
	}

	base, ok := yearCodes[v[9]]
	if !ok {
		return Info{}, fmt.Errorf("%w: year code %q", ErrCharset, v[9])
	}
	year := base
	for year+30 <= now.Year()+1 {
		year += 30
	}
	info.ModelYear = year

	return info, nil
}

func regionOf(c byte) string {
	switch {
	case c >= '1' && c <= '5':
		return "North America"
	case c >= '6' && c <= '7':
		return "Oceania"
	case c >= '8' && c <= '9':
		return "South America"
	case c >= 'A' && c <= 'H':
		return "Africa"
	case c >= 'J' && c <= 'R':
		return "Asia"
	case c >= 'S' && c <= 'Z':
		return "Europe"
	default:
		return "Unknown"
	}
}
