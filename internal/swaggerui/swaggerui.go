package swaggerui

import (
	"net/http"

	swgui "github.com/swaggest/swgui/v5"
)

// Handler serves Swagger UI for the document at specPath, mounted at basePath.
func Handler(specPath, basePath string) http.Handler {
	return swgui.New("PixiShelf API", specPath, basePath)
}
