package domain

import "errors"

// Error taxonomy shared by capture, transport and detector code
var (
	ErrPermissionDenied   = errors.New("microphone permission denied")
	ErrDeviceUnavailable  = errors.New("audio device unavailable")
	ErrResourceBusy       = errors.New("microphone is in use by another session")
	ErrTransportOpen      = errors.New("failed to open audio transport")
	ErrUnsolicitedClose   = errors.New("connection closed unexpectedly")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrMaxRetriesExceeded = errors.New("voice activation stopped after too many failed reconnects")
	ErrNoActiveSession    = errors.New("no active call session, start listening first")
)
