// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

package logging

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// WatermillAdapter routes watermill log output through the global zerolog
// logger so broker internals and application logs share one stream.
type WatermillAdapter struct {
	fields watermill.LogFields
}

// NewWatermillAdapter returns a watermill.LoggerAdapter backed by the
// global logger.
func NewWatermillAdapter() *WatermillAdapter {
	return &WatermillAdapter{}
}

func (a *WatermillAdapter) event(ev *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range a.fields {
		ev = ev.Interface(k, v)
	}
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	return ev
}

func (a *WatermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.event(Error().Err(err), fields).Msg(msg)
}

func (a *WatermillAdapter) Info(msg string, fields watermill.LogFields) {
	a.event(Info(), fields).Msg(msg)
}

func (a *WatermillAdapter) Debug(msg string, fields watermill.LogFields) {
	a.event(Debug(), fields).Msg(msg)
}

func (a *WatermillAdapter) Trace(msg string, fields watermill.LogFields) {
	a.event(Debug(), fields).Msg(msg)
}

// With returns an adapter that attaches fields to every entry.
func (a *WatermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	merged := make(watermill.LogFields, len(a.fields)+len(fields))
	for k, v := range a.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &WatermillAdapter{fields: merged}
}
