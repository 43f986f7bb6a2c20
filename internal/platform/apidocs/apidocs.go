// Package apidocs serves the hand-maintained OpenAPI document and Swagger UI.
package apidocs

import (
	_ "embed"
	"sync"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"github.com/swaggo/swag"
)

//go:embed swagger.json
var doc string

type document struct{}

func (document) ReadDoc() string { return doc }

var once sync.Once

// RegisterRoutes mounts the UI at /swagger/index.html and the document at /swagger/doc.json.
func RegisterRoutes(r gin.IRoutes) {
	// swag.Register は同名で2回呼ぶと panic する
	once.Do(func() { swag.Register(swag.Name, document{}) })
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
}
