//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	"github.com/swaggo/swag"
	httpSwagger "github.com/swaggo/http-swagger"
)

const swaggerPath = "/swagger/"

// swaggerDoc is a hand-maintained subset of the API description; the full
// document is generated from the handler annotations with swag init.
const swaggerDoc = `{
  "swagger": "2.0",
  "info": {"title": "{{.Title}}", "version": "{{.Version}}", "description": "{{escape .Description}}"},
  "basePath": "{{.BasePath}}",
  "paths": {
    "/v1/generate": {"post": {"tags": ["generate"], "summary": "Generate a completion", "consumes": ["application/json"], "produces": ["application/json", "application/x-ndjson"], "responses": {"200": {"description": "OK"}}}},
    "/v1/requests/{id}": {"delete": {"tags": ["generate"], "summary": "Cancel a generate request", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "OK"}, "404": {"description": "unknown request"}}}},
    "/models": {"get": {"tags": ["models"], "summary": "List models", "responses": {"200": {"description": "OK"}}}},
    "/status": {"get": {"tags": ["status"], "summary": "Scheduler status", "responses": {"200": {"description": "OK"}}}}
  }
}`

var swaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Title:            "inferd API",
	Description:      "Continuous-batching inference server.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  swaggerDoc,
}

func init() {
	swag.Register(swaggerInfo.InstanceName(), swaggerInfo)
}

// MountSwagger serves the swagger UI and returns its path.
func MountSwagger(r chi.Router) string {
	r.Get(swaggerPath+"*", httpSwagger.Handler(httpSwagger.URL(swaggerPath+"doc.json")))
	return swaggerPath
}
