package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// ValidationIssue is one field-level problem in a 400 response
type ValidationIssue struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ErrorResponse is the error body shape for every API endpoint
type ErrorResponse struct {
	Error  string            `json:"error"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, ErrorResponse{Error: message})
}

// respondInternalError logs the cause and returns a generic message;
// internal detail never reaches the client
func (s *Server) respondInternalError(c *gin.Context, err error, context string) {
	s.logger.Error().Err(err).Msg(context)
	respondError(c, http.StatusInternalServerError, "Internal server error")
}

// bindAndValidate parses the JSON body and runs struct validation,
// answering 400 with structured issues on failure
func (s *Server) bindAndValidate(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		s.logger.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("Invalid request body")

		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:  "Validation failed",
				Issues: validationIssues(verrs),
			})
			return false
		}

		respondError(c, http.StatusBadRequest, "Invalid request body")
		return false
	}

	if err := s.validator.Struct(req); err != nil {
		s.logger.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("Request validation failed")

		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:  "Validation failed",
				Issues: validationIssues(verrs),
			})
			return false
		}

		respondError(c, http.StatusBadRequest, "Validation failed")
		return false
	}

	return true
}

func validationIssues(verrs validator.ValidationErrors) []ValidationIssue {
	issues := make([]ValidationIssue, 0, len(verrs))
	for _, fe := range verrs {
		issues = append(issues, ValidationIssue{Field: fe.Field(), Rule: fe.Tag()})
	}
	return issues
}
