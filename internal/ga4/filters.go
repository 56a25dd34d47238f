// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

package ga4

import (
	"fmt"

	"github.com/mementofilms/backoffice/internal/models"
)

// FilterExpression is a composable predicate tree sent as the dimensionFilter
// of a Data API report. The four variants mirror the API's expression kinds.
// Expressions are built by pure functions and never mutated after construction.
type FilterExpression interface {
	isFilterExpression()
}

// BasicFilter is an exact string match on a single dimension.
type BasicFilter struct {
	Field string
	Value string
}

// AndGroup requires all member expressions to match.
type AndGroup struct {
	Expressions []FilterExpression
}

// OrGroup requires at least one member expression to match.
type OrGroup struct {
	Expressions []FilterExpression
}

// NotExpression inverts its member expression.
type NotExpression struct {
	Expression FilterExpression
}

func (BasicFilter) isFilterExpression()   {}
func (AndGroup) isFilterExpression()      {}
func (OrGroup) isFilterExpression()       {}
func (NotExpression) isFilterExpression() {}

// localeFilter builds the locale predicate for a query.
//
// The site only ships French and English copy, and sessions whose locale
// could not be determined (unknown language, bots) count as English by
// convention. There is therefore no positive "is English" predicate: "en" is
// expressed as NOT(locale == "fr"), which guarantees en + fr == all for every
// country filter.
//
// Returns nil for "all" or unset locale.
func localeFilter(locale models.Locale, dimension string) FilterExpression {
	switch locale {
	case models.LocaleFR:
		return BasicFilter{Field: dimension, Value: "fr"}
	case models.LocaleEN:
		return NotExpression{Expression: BasicFilter{Field: dimension, Value: "fr"}}
	default:
		return nil
	}
}

// countryFilter builds a plain equality predicate, or nil when country is
// empty.
func countryFilter(country string) FilterExpression {
	if country == "" {
		return nil
	}
	return BasicFilter{Field: dimCountry, Value: country}
}

// combineFilters AND-composes the non-nil expressions: none yields nil,
// exactly one is used as-is, several are wrapped in an AndGroup.
func combineFilters(exprs ...FilterExpression) FilterExpression {
	present := make([]FilterExpression, 0, len(exprs))
	for _, e := range exprs {
		if e != nil {
			present = append(present, e)
		}
	}

	switch len(present) {
	case 0:
		return nil
	case 1:
		return present[0]
	default:
		return AndGroup{Expressions: present}
	}
}

// wire representation of the Data API FilterExpression message.

type wireFilterExpression struct {
	AndGroup      *wireExpressionList   `json:"andGroup,omitempty"`
	OrGroup       *wireExpressionList   `json:"orGroup,omitempty"`
	NotExpression *wireFilterExpression `json:"notExpression,omitempty"`
	Filter        *wireFilter           `json:"filter,omitempty"`
}

type wireExpressionList struct {
	Expressions []wireFilterExpression `json:"expressions"`
}

type wireFilter struct {
	FieldName    string           `json:"fieldName"`
	StringFilter wireStringFilter `json:"stringFilter"`
}

type wireStringFilter struct {
	MatchType string `json:"matchType"`
	Value     string `json:"value"`
}

// toWire converts a FilterExpression tree into the Data API wire form.
// The type switch is exhaustive over the exported variants; an unknown
// variant is a programming error surfaced as an error, not a silent skip.
func toWire(expr FilterExpression) (*wireFilterExpression, error) {
	switch e := expr.(type) {
	case BasicFilter:
		return &wireFilterExpression{
			Filter: &wireFilter{
				FieldName:    e.Field,
				StringFilter: wireStringFilter{MatchType: "EXACT", Value: e.Value},
			},
		}, nil

	case AndGroup:
		list, err := toWireList(e.Expressions)
		if err != nil {
			return nil, err
		}
		return &wireFilterExpression{AndGroup: list}, nil

	case OrGroup:
		list, err := toWireList(e.Expressions)
		if err != nil {
			return nil, err
		}
		return &wireFilterExpression{OrGroup: list}, nil

	case NotExpression:
		inner, err := toWire(e.Expression)
		if err != nil {
			return nil, err
		}
		return &wireFilterExpression{NotExpression: inner}, nil

	default:
		return nil, fmt.Errorf("ga4: unhandled filter expression type %T", expr)
	}
}

func toWireList(exprs []FilterExpression) (*wireExpressionList, error) {
	out := make([]wireFilterExpression, 0, len(exprs))
	for _, e := range exprs {
		w, err := toWire(e)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return &wireExpressionList{Expressions: out}, nil
}
