package relaychat

import "embed"

// StaticFS contains the embedded web client.
//
//go:embed static/*
var StaticFS embed.FS
