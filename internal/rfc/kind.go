package rfc

import (
	"fmt"
	"strings"
)

// Kind is the ABAP-style type of a field or parameter.
type Kind string

const (
	KindChar      Kind = "CHAR"
	KindNumc      Kind = "NUMC"
	KindInt       Kind = "INT"
	KindFloat     Kind = "FLOAT"
	KindDec       Kind = "DEC"
	KindDate      Kind = "DATE"
	KindTime      Kind = "TIME"
	KindString    Kind = "STRING"
	KindBytes     Kind = "BYTES"
	KindStructure Kind = "STRUCTURE"
	KindTable     Kind = "TABLE"
)

var kindAliases = map[string]Kind{
	"C":         KindChar,
	"CHAR":      KindChar,
	"N":         KindNumc,
	"NUMC":      KindNumc,
	"I":         KindInt,
	"INT":       KindInt,
	"INT4":      KindInt,
	"F":         KindFloat,
	"FLOAT":     KindFloat,
	"P":         KindDec,
	"DEC":       KindDec,
	"D":         KindDate,
	"DATE":      KindDate,
	"DATS":      KindDate,
	"T":         KindTime,
	"TIME":      KindTime,
	"TIMS":      KindTime,
	"G":         KindString,
	"STRING":    KindString,
	"X":         KindBytes,
	"BYTES":     KindBytes,
	"RAW":       KindBytes,
	"STRUCTURE": KindStructure,
	"TABLE":     KindTable,
}

// ParseKind accepts kind names and the one-letter ABAP type codes.
func ParseKind(s string) (Kind, error) {
	if k, ok := kindAliases[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return k, nil
	}
	return "", fmt.Errorf("rfc: unknown kind %q", s)
}

// Scalar reports whether values of k are single values.
func (k Kind) Scalar() bool {
	return k != KindStructure && k != KindTable
}

// Code returns the one-letter ABAP type code used in RFC_READ_TABLE field lists.
func (k Kind) Code() string {
	switch k {
	case KindChar:
		return "C"
	case KindNumc:
		return "N"
	case KindInt:
		return "I"
	case KindFloat:
		return "F"
	case KindDec:
		return "P"
	case KindDate:
		return "D"
	case KindTime:
		return "T"
	case KindString:
		return "g"
	case KindBytes:
		return "X"
	case KindStructure:
		return "u"
	case KindTable:
		return "h"
	default:
		return "C"
	}
}

func (k Kind) valid() bool {
	switch k {
	case KindChar, KindNumc, KindInt, KindFloat, KindDec, KindDate, KindTime,
		KindString, KindBytes, KindStructure, KindTable:
		return true
	}
	return false
}
