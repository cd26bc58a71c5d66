// Package docs registers the OpenAPI description of the build API with swag.
// It is regenerated with swag init -g internal/server/server.go.
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
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Report server health",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/server.healthResponse"}}
                }
            }
        },
        "/build/tasks": {
            "post": {
                "consumes": ["application/gzip"],
                "produces": ["application/json"],
                "tags": ["builds"],
                "summary": "Submit a project archive for building",
                "parameters": [
                    {"type": "string", "description": "Command, always build", "name": "command", "in": "query", "required": true},
                    {"type": "string", "description": "Toolchain version", "name": "vcordova", "in": "query", "required": true},
                    {"enum": ["debug", "release"], "type": "string", "description": "Build configuration", "name": "cfg", "in": "query", "required": true},
                    {"type": "string", "description": "Target platform", "name": "platform", "in": "query"},
                    {"enum": ["--device"], "type": "string", "description": "Build options", "name": "options", "in": "query"},
                    {"type": "integer", "description": "Lineage to continue", "name": "buildNumber", "in": "query"}
                ],
                "responses": {
                    "202": {
                        "description": "Accepted",
                        "schema": {"$ref": "#/definitions/build.Info"},
                        "headers": {"Content-Location": {"type": "string", "description": "Status URL"}}
                    },
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/server.invalidSubmissionResponse"}},
                    "404": {"description": "Not Found", "schema": {"type": "string"}},
                    "409": {"description": "Conflict", "schema": {"type": "string"}}
                }
            }
        },
        "/build/tasks/{n}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["builds"],
                "summary": "Get the status of the latest attempt of a build",
                "parameters": [
                    {"type": "integer", "description": "Build number", "name": "n", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/build.Info"}},
                    "404": {"description": "Not Found", "schema": {"type": "string"}}
                }
            }
        },
        "/build/tasks/{n}/log": {
            "get": {
                "produces": ["text/plain"],
                "tags": ["builds"],
                "summary": "Stream the log of the latest attempt of a build",
                "parameters": [
                    {"type": "integer", "description": "Build number", "name": "n", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "string"}},
                    "404": {"description": "Not Found", "schema": {"type": "string"}}
                }
            }
        },
        "/build/{n}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["builds"],
                "summary": "Check that the working state of a build still exists",
                "parameters": [
                    {"type": "integer", "description": "Build number", "name": "n", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/server.checkBuildResponse"}},
                    "404": {"description": "Not Found", "schema": {"type": "string"}}
                }
            }
        },
        "/build/{n}/download": {
            "get": {
                "produces": ["application/zip"],
                "tags": ["builds"],
                "summary": "Download the device artifact of a build",
                "parameters": [
                    {"type": "integer", "description": "Build number", "name": "n", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "file"}},
                    "404": {"description": "Not Found", "schema": {"type": "string"}}
                }
            }
        },
        "/files/{n}/{name}": {
            "get": {
                "produces": ["application/json", "application/octet-stream"],
                "tags": ["builds"],
                "summary": "Get a file published by the latest attempt of a build",
                "parameters": [
                    {"type": "integer", "description": "Build number", "name": "n", "in": "path", "required": true},
                    {"type": "string", "description": "File name relative to the working directory", "name": "name", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "file"}},
                    "404": {"description": "Not Found", "schema": {"type": "string"}}
                }
            }
        }
    },
    "definitions": {
        "build.ChangeList": {
            "type": "object",
            "properties": {
                "addedPlugins": {"type": "array", "items": {"type": "string"}},
                "changedFiles": {"type": "array", "items": {"type": "string"}},
                "changedFilesIos": {"type": "array", "items": {"type": "string"}},
                "deletedFiles": {"type": "array", "items": {"type": "string"}}
            }
        },
        "build.Info": {
            "type": "object",
            "properties": {
                "attempt": {"type": "integer"},
                "buildNumber": {"type": "integer"},
                "buildPlatform": {"type": "string"},
                "changeList": {"$ref": "#/definitions/build.ChangeList"},
                "configuration": {"type": "string", "enum": ["debug", "release"]},
                "message": {"type": "string"},
                "options": {"type": "string"},
                "previousVcordova": {"type": "string"},
                "status": {"type": "string", "enum": ["uploaded", "extracted", "building", "complete", "invalid", "error"]},
                "statusCode": {"type": "integer"},
                "submissionTime": {"type": "string"},
                "updateTime": {"type": "string"},
                "vcordova": {"type": "string"}
            }
        },
        "server.checkBuildResponse": {
            "type": "object",
            "properties": {
                "buildNumber": {"type": "integer"}
            }
        },
        "server.healthResponse": {
            "type": "object",
            "properties": {
                "status": {"type": "string"}
            }
        },
        "server.invalidSubmissionResponse": {
            "type": "object",
            "properties": {
                "errors": {"type": "array", "items": {"type": "string"}},
                "status": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "kiln build API",
	Description:      "Remote builds of hybrid mobile projects.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
