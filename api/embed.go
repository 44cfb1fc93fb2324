// Package api embeds the OpenAPI description of the local hearth API.
package api

import _ "embed"

// OpenAPISpec is the OpenAPI 3.1 YAML document served at /openapi.yaml.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
