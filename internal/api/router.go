package api

import (
	"korela/internal/dsl"
	"korela/internal/engine"

	"github.com/gin-gonic/gin"
)

// NewRouter собирает все маршруты поверх диспетчера.
func NewRouter(disp *engine.Dispatcher, reg *dsl.Registry) *gin.Engine {
	r := gin.Default()

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/dsl", OperationHandler(disp))
		apiGroup.GET("/meta", MetaListHandler(reg))
		apiGroup.GET("/meta/:module/:model", MetaModelHandler(disp))
	}

	return r
}

func RunServer(addr string, disp *engine.Dispatcher, reg *dsl.Registry) error {
	return NewRouter(disp, reg).Run(addr)
}
