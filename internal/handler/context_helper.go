package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/edutier-api/internal/middleware"
	"github.com/noah-isme/edutier-api/internal/models"
	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
	"github.com/noah-isme/edutier-api/pkg/response"
)

// principalOrAbort writes 401 and returns false when no principal is attached.
func principalOrAbort(c *gin.Context) (models.Principal, bool) {
	p := middleware.PrincipalFrom(c)
	if p == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return nil, false
	}
	return p, true
}

// bindJSON decodes and validates the body into dst, writing a 400 on failure.
func bindJSON(c *gin.Context, validate *validator.Validate, dst interface{}, message string) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, message))
		return false
	}
	if validate == nil {
		return true
	}
	if err := validate.Struct(dst); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, message+": "+err.Error()))
		return false
	}
	return true
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return page, size
}

// csvQuery splits a comma-separated query parameter, dropping blanks.
func csvQuery(c *gin.Context, key string) []string {
	raw := c.Query(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
