package gateway

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	texttemplate "text/template"
)

// assets embeds the browser shell and its service worker. Both are opaque
// templates to the core (spec §4.E): the gateway only ever substitutes the
// three documented parameters and never otherwise interprets the bodies.
//
//go:embed assets/shell.html.tmpl assets/sw.js.tmpl
var assets embed.FS

var (
	shellTemplate = template.Must(template.ParseFS(assets, "assets/shell.html.tmpl"))
	swTemplate    = texttemplate.Must(texttemplate.ParseFS(assets, "assets/sw.js.tmpl"))
)

// shellParams are the three parameters the shell and service worker
// templates are allowed to reference (spec §4.E).
type shellParams struct {
	SignalingURL string
	TargetPeer   string
	HTTPVersion  string
}

func renderShell(p shellParams) ([]byte, error) {
	var buf bytes.Buffer
	if err := shellTemplate.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("gateway: rendering shell: %w", err)
	}
	return buf.Bytes(), nil
}

func renderServiceWorker(p shellParams) ([]byte, error) {
	var buf bytes.Buffer
	if err := swTemplate.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("gateway: rendering service worker: %w", err)
	}
	return buf.Bytes(), nil
}
