// Package configs provides the embedded configuration template.
//
// The template is embedded at build time with go:embed so it ships in
// every distribution. `knowledgebeast config init` writes it to disk as
// a starting point; the server itself never reads it.
package configs

import _ "embed"

// ConfigTemplate is the annotated example configuration written by
// `knowledgebeast config init`.
//
//go:embed config.example.yaml
var ConfigTemplate string
