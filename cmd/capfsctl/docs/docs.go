// Package docs holds the generated swagger spec for the capfsctl debug endpoints. Normally
// produced by `swag init`; checked in here by hand since this pass never invokes the swag
// code generator, matching the shape swag itself would emit for rest_api/docs.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/stats": {
            "get": {
                "description": "Returns point-in-time occupancy of the frame pool and the hash-cache facade.",
                "produces": ["application/json"],
                "tags": ["diagnostics"],
                "summary": "Dump frame pool and hash-cache counters",
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                }
            }
        },
        "/harvester": {
            "get": {
                "description": "Returns whether the background harvester goroutine is running and its last observed clock-hand position.",
                "produces": ["application/json"],
                "tags": ["diagnostics"],
                "summary": "Dump harvester status",
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                }
            }
        }
    }
}`

// SwaggerInfo holds exported swagger spec, filled in by main before the router starts serving.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "capfsctl debug API",
	Description:      "Diagnostic-only HTTP surface over the CAPFS client cache engine; no write path runs through it.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
