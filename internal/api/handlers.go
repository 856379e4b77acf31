package api

import (
	"errors"
	"net/http"
	"strings"

	"korela/internal/dsl"
	"korela/internal/engine"

	"github.com/gin-gonic/gin"
)

// RolesHeader — роли вызывающего, через запятую. Сам механизм
// аутентификации живёт снаружи; сюда приходит уже готовый список.
const RolesHeader = "X-Roles"

func callerRoles(c *gin.Context) []string {
	raw := c.GetHeader(RolesHeader)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// POST /api/dsl — единственная точка входа типизированных операций.
func OperationHandler(disp *engine.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req engine.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
			return
		}
		if strings.TrimSpace(req.Model) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Model is required"})
			return
		}

		res, err := disp.Execute(c.Request.Context(), req, callerRoles(c))
		if err != nil {
			writeOpError(c, err)
			return
		}

		// с пагинацией — конверт {data, paginationMeta}; без — «голые» данные
		if res.Meta != nil {
			c.JSON(http.StatusOK, gin.H{"data": res.Data, "paginationMeta": res.Meta})
			return
		}
		c.JSON(http.StatusOK, res.Data)
	}
}

func writeOpError(c *gin.Context, err error) {
	var oe *engine.OpError
	if !errors.As(err, &oe) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(statusFor(oe), oe)
}

func statusFor(oe *engine.OpError) int {
	switch oe.Code {
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodeForbidden:
		return http.StatusForbidden
	case engine.CodeValidation:
		// конфликт целостности отличаем от обычной валидации
		for _, fe := range oe.Fields {
			if fe.Code == engine.ErrUniqueViolation || fe.Code == engine.ErrRefNotFound {
				return http.StatusConflict
			}
		}
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}

// GET /api/meta — список зарегистрированных моделей.
func MetaListHandler(reg *dsl.Registry) gin.HandlerFunc {
	type row struct {
		Module string `json:"module"`
		Name   string `json:"name"`
		Fields int    `json:"fields"`
	}
	return func(c *gin.Context) {
		models := reg.All()
		out := make([]row, 0, len(models))
		for _, m := range models {
			out = append(out, row{Module: m.Module, Name: m.Name, Fields: len(m.Fields)})
		}
		c.JSON(http.StatusOK, out)
	}
}

// GET /api/meta/:module/:model — схема модели, тот же ответ,
// что и read с {_metadata:true}.
func MetaModelHandler(disp *engine.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("module") + "." + c.Param("model")
		res, err := disp.Execute(c.Request.Context(), engine.Request{
			Model:     name,
			Operation: engine.OpRead,
			Filter:    map[string]interface{}{engine.MetadataFilterKey: true},
		}, callerRoles(c))
		if err != nil {
			writeOpError(c, err)
			return
		}
		c.JSON(http.StatusOK, res.Data)
	}
}
