package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"docuchat/internal/app"
	"docuchat/internal/retrieval"
	"docuchat/internal/transport/http/middleware"
	"docuchat/internal/transport/http/response"
)

type ConversationHandler struct {
	convService *app.ConversationService
	qaService   *app.QAService
}

type CreateConversationRequest struct {
	Title    string `json:"title" binding:"max=128"`
	Provider string `json:"provider" binding:"max=32"`
	Model    string `json:"model" binding:"max=64"`
}

type AskRequest struct {
	ConversationID uint   `json:"conversation_id"`
	Question       string `json:"question" binding:"required"`
}

func NewConversationHandler(convService *app.ConversationService, qaService *app.QAService) *ConversationHandler {
	return &ConversationHandler{
		convService: convService,
		qaService:   qaService,
	}
}

func (h *ConversationHandler) Create(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	conv, err := h.convService.Create(app.CreateConversationInput{
		UserID:   userID,
		Title:    req.Title,
		Provider: req.Provider,
		Model:    req.Model,
	})
	if err != nil {
		if errors.Is(err, app.ErrInvalidInput) {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		} else {
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "create conversation failed")
		}
		return
	}
	response.OK(c, conv)
}

func (h *ConversationHandler) List(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	conversations, err := h.convService.List(userID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list conversations failed")
		return
	}
	response.OK(c, conversations)
}

func (h *ConversationHandler) Messages(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	conversationID, err := parseUintParam(c, "id")
	if err != nil || conversationID == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid conversation id")
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, parseErr := strconv.Atoi(raw); parseErr == nil {
			limit = parsed
		}
	}

	messages, err := h.convService.Messages(userID, conversationID, limit)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		case errors.Is(err, app.ErrConversationNotFound):
			response.Error(c, http.StatusNotFound, response.CodeConversationNotFound, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list messages failed")
		}
		return
	}
	response.OK(c, messages)
}

func (h *ConversationHandler) Delete(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	conversationID, err := parseUintParam(c, "id")
	if err != nil || conversationID == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid conversation id")
		return
	}

	if err := h.convService.Delete(c.Request.Context(), userID, conversationID); err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		case errors.Is(err, app.ErrConversationNotFound):
			response.Error(c, http.StatusNotFound, response.CodeConversationNotFound, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "delete conversation failed")
		}
		return
	}
	response.OK(c, gin.H{"deleted_conversation_id": conversationID})
}

func (h *ConversationHandler) Ask(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.qaService.Ask(c.Request.Context(), app.AskInput{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Question:       req.Question,
	})
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		case errors.Is(err, app.ErrConversationNotFound):
			response.Error(c, http.StatusNotFound, response.CodeConversationNotFound, err.Error())
		case errors.Is(err, app.ErrGeneration):
			response.Error(c, http.StatusBadGateway, response.CodeGenerationFailed, "answer generation failed")
		case errors.Is(err, retrieval.ErrIsolationBreach):
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "internal error")
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "ask failed")
		}
		return
	}
	response.OK(c, result)
}

func (h *ConversationHandler) MessageMatches(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	messageID, err := parseUintParam(c, "id")
	if err != nil || messageID == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid message id")
		return
	}

	matches, err := h.qaService.Matches(userID, messageID)
	if err != nil {
		if errors.Is(err, app.ErrInvalidInput) {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		} else {
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list matches failed")
		}
		return
	}
	response.OK(c, matches)
}

func getUserIDFromContext(c *gin.Context) (uint, bool) {
	userIDAny, exists := c.Get(middleware.ContextUserIDKey)
	if !exists {
		return 0, false
	}
	userID, ok := userIDAny.(uint)
	return userID, ok
}

func parseUintParam(c *gin.Context, key string) (uint, error) {
	raw := c.Param(key)
	u, err := strconv.ParseUint(raw, 10, 64)
	return uint(u), err
}
