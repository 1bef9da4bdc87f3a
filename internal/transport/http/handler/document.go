package handler

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"docuchat/internal/app"
	"docuchat/internal/pkg/pdfextract"
	"docuchat/internal/transport/http/response"
)

const maxPDFSize = 10 << 20 // 10 MB

type DocumentHandler struct {
	docService *app.DocumentService
}

type UploadDocumentRequest struct {
	ConversationID uint   `json:"conversation_id" binding:"required,gt=0"`
	Name           string `json:"name" binding:"required,max=256"`
	Content        string `json:"content" binding:"required"`
}

func NewDocumentHandler(docService *app.DocumentService) *DocumentHandler {
	return &DocumentHandler{docService: docService}
}

// Upload ingests raw text sent as JSON.
func (h *DocumentHandler) Upload(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req UploadDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	doc, err := h.docService.Upload(c.Request.Context(), app.UploadDocumentInput{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Name:           req.Name,
		Content:        req.Content,
	})
	if err != nil {
		h.writeUploadError(c, err)
		return
	}
	response.OK(c, doc)
}

// UploadPDF accepts a multipart form with "file" (PDF), "conversation_id" and
// optional "name", extracts the text and ingests it.
func (h *DocumentHandler) UploadPDF(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing file")
		return
	}
	if file.Size > maxPDFSize {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "file too large (max 10MB)")
		return
	}
	if strings.ToLower(filepath.Ext(file.Filename)) != ".pdf" {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "only PDF files are allowed")
		return
	}

	f, err := file.Open()
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "failed to read file")
		return
	}
	defer f.Close()

	text, err := pdfextract.ExtractText(f)
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "failed to extract text from PDF: "+err.Error())
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "PDF contains no extractable text")
		return
	}

	name := strings.TrimSpace(c.PostForm("name"))
	if name == "" {
		name = strings.TrimSuffix(file.Filename, filepath.Ext(file.Filename))
		if name == "" {
			name = "Untitled"
		}
	}

	doc, err := h.docService.Upload(c.Request.Context(), app.UploadDocumentInput{
		UserID:         userID,
		ConversationID: parseUintForm(c, "conversation_id"),
		Name:           name,
		Content:        text,
	})
	if err != nil {
		h.writeUploadError(c, err)
		return
	}
	response.OK(c, doc)
}

func (h *DocumentHandler) List(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	conversationID := uint(0)
	if raw := c.Query("conversation_id"); raw != "" {
		if u, err := strconv.ParseUint(raw, 10, 64); err == nil {
			conversationID = uint(u)
		}
	}

	docs, err := h.docService.List(userID, conversationID)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		case errors.Is(err, app.ErrConversationNotFound):
			response.Error(c, http.StatusNotFound, response.CodeConversationNotFound, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list documents failed")
		}
		return
	}
	response.OK(c, docs)
}

func (h *DocumentHandler) Preview(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	documentID, err := parseUintParam(c, "id")
	if err != nil || documentID == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid document id")
		return
	}

	preview, err := h.docService.Preview(userID, documentID)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		case errors.Is(err, app.ErrDocumentNotFound):
			response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "preview document failed")
		}
		return
	}
	response.OK(c, preview)
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	documentID, err := parseUintParam(c, "id")
	if err != nil || documentID == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid document id")
		return
	}

	if err := h.docService.Delete(userID, documentID); err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		case errors.Is(err, app.ErrDocumentNotFound):
			response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "delete document failed")
		}
		return
	}
	response.OK(c, gin.H{"deleted_document_id": documentID})
}

func (h *DocumentHandler) writeUploadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrConversationNotFound):
		response.Error(c, http.StatusNotFound, response.CodeConversationNotFound, err.Error())
	default:
		response.Error(c, http.StatusServiceUnavailable, response.CodeInternalServer, "document upload failed")
	}
}

func parseUintForm(c *gin.Context, key string) uint {
	raw := c.PostForm(key)
	if raw == "" {
		return 0
	}
	u, _ := strconv.ParseUint(raw, 10, 64)
	return uint(u)
}
